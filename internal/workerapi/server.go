// Package workerapi implements the worker's HTTP surface (spec §4.7,
// component C7): health, capability registration, job submission, and the
// job-status/logs/artifacts read endpoints, all built on net/http plus
// Go's built-in ServeMux method+pattern routing, no router framework.
package workerapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
	"github.com/mindburnlabs/renderdispatch/internal/dispatch"
	"github.com/mindburnlabs/renderdispatch/internal/envelope"
	"github.com/mindburnlabs/renderdispatch/internal/fingerprint"
	"github.com/mindburnlabs/renderdispatch/internal/queue"
	"github.com/mindburnlabs/renderdispatch/internal/receipts"
	"github.com/mindburnlabs/renderdispatch/internal/registry"
)

// StepJobStatus, StepJobLogs and StepJobArtifacts are the control steps
// gating the three read endpoints. Spec §6.
const (
	StepJobStatus    = "JOB_STATUS"
	StepJobLogs      = "JOB_LOGS"
	StepJobArtifacts = "JOB_ARTIFACTS"
)

// Server wires the worker queue, receipt store and signing secret into an
// http.Handler.
type Server struct {
	Queue       *queue.Queue
	Store       *receipts.Store
	Table       *dispatch.Table
	Secret      string
	Skew        time.Duration
	Caps        registry.Capabilities
	Log         *slog.Logger
	RateLimiter *perIPLimiter

	mux *http.ServeMux
}

// New builds a Server and registers its routes. rps/burst configure the
// per-IP limiter guarding /job; pass 0 for both to disable limiting.
func New(s *Server, rps, burst int) *Server {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	if s.Skew <= 0 {
		s.Skew = envelope.DefaultSkew
	}
	if rps > 0 {
		s.RateLimiter = newPerIPLimiter(rps, burst)
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /caps", s.handleCaps)

	submitHandler := s.handleSubmitJob
	if s.RateLimiter != nil {
		submitHandler = s.RateLimiter.middleware(submitHandler)
	}
	s.mux.HandleFunc("POST /job", submitHandler)

	s.mux.HandleFunc("GET /job/{job_id}", s.handleJobStatus)
	s.mux.HandleFunc("GET /job/{job_id}/logs", s.handleJobLogs)
	s.mux.HandleFunc("GET /job/{job_id}/artifacts", s.handleJobArtifacts)
	s.mux.HandleFunc("GET /job/{job_id}/artifacts/{name}", s.handleJobArtifactDownload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]any{"worker": "healthy"})
}

type envelopeBody struct {
	MessageType string         `json:"message_type"`
	RunID       string         `json:"run_id"`
	JobID       string         `json:"job_id"`
	StepName    string         `json:"step_name"`
	InputsHash  string         `json:"inputs_hash"`
	Timestamp   string         `json:"timestamp"`
	AuthToken   string         `json:"auth_token"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func (b envelopeBody) view() envelope.View {
	return envelope.View{RunID: b.RunID, JobID: b.JobID, StepName: b.StepName, InputsHash: b.InputsHash, Timestamp: b.Timestamp}
}

func (s *Server) handleCaps(w http.ResponseWriter, r *http.Request) {
	var body envelopeBody
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFail(w, apperrors.KindMalformed, "invalid JSON body")
		return
	}

	allowed := envelope.NewStepSet(registry.StepRegisterCaps)
	if _, err := envelope.RequireValidAuth(s.Secret, body.view(), body.AuthToken, allowed, s.Skew, time.Now()); err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, http.StatusOK, map[string]any{"caps": s.Caps})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body envelopeBody
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFail(w, apperrors.KindMalformed, "invalid JSON body")
		return
	}

	allowed := envelope.NewStepSet(s.Table.Steps()...)
	env, err := envelope.RequireValidAuth(s.Secret, body.view(), body.AuthToken, allowed, s.Skew, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}

	result, err := s.Queue.Enqueue(env, fingerprint.Payload(body.Payload))
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, http.StatusAccepted, map[string]any{
		"idempotent":    result.Idempotent,
		"cached_job_id": result.CachedJobID,
		"job":           result.Job,
	})
}

// readEndpointEnvelope builds a View from query parameters (GET endpoints
// carry envelope fields as query params, spec §4.7), validates it against
// step, and additionally enforces that run_id/inputs_hash match the stored
// job record.
func (s *Server) readEndpointEnvelope(r *http.Request, step string) (*envelope.Envelope, *queue.Job, error) {
	jobID := r.PathValue("job_id")
	q := r.URL.Query()
	view := envelope.View{
		RunID:      q.Get("run_id"),
		JobID:      jobID,
		StepName:   step,
		InputsHash: q.Get("inputs_hash"),
		Timestamp:  q.Get("timestamp"),
	}
	authToken := q.Get("auth_token")

	allowed := envelope.NewStepSet(step)
	env, err := envelope.RequireValidAuth(s.Secret, view, authToken, allowed, s.Skew, time.Now())
	if err != nil {
		return nil, nil, err
	}

	job, ok := s.Queue.Get(jobID)
	if !ok {
		return nil, nil, apperrors.New(apperrors.KindNotFound, fmt.Sprintf("job %q not found", jobID))
	}
	if job.RunID != env.RunID || job.InputsHash != env.InputsHash {
		return nil, nil, apperrors.New(apperrors.KindEnvelopeMismatch, "run_id/inputs_hash do not match the stored job record")
	}
	return env, &job, nil
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	_, job, err := s.readEndpointEnvelope(r, StepJobStatus)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	_, job, err := s.readEndpointEnvelope(r, StepJobLogs)
	if err != nil {
		writeErr(w, err)
		return
	}

	data, err := os.ReadFile(s.Store.LogPath(job.RunID, job.JobID))
	if err != nil {
		if os.IsNotExist(err) {
			writeOK(w, http.StatusOK, map[string]any{"lines": []receipts.LogEvent{}})
			return
		}
		writeErr(w, apperrors.Wrap(apperrors.KindInternal, "failed to read log file", err))
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"lines_raw": string(data)})
}

func (s *Server) handleJobArtifacts(w http.ResponseWriter, r *http.Request) {
	_, job, err := s.readEndpointEnvelope(r, StepJobArtifacts)
	if err != nil {
		writeErr(w, err)
		return
	}

	rec, err := s.Store.ReadReceipt(job.RunID, job.JobID)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			writeOK(w, http.StatusOK, map[string]any{"artifacts": []receipts.Artifact{}})
			return
		}
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"artifacts": rec.Artifacts})
}

func (s *Server) handleJobArtifactDownload(w http.ResponseWriter, r *http.Request) {
	_, job, err := s.readEndpointEnvelope(r, StepJobArtifacts)
	if err != nil {
		writeErr(w, err)
		return
	}

	name := r.PathValue("name")
	dir := s.Store.ArtifactsDir(job.RunID, job.JobID)
	path, err := receipts.SafeArtifactName(dir, name)
	if err != nil {
		writeErr(w, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeFail(w, apperrors.KindNotFound, "artifact not found")
			return
		}
		writeErr(w, apperrors.Wrap(apperrors.KindInternal, "failed to open artifact", err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeErr(w, apperrors.Wrap(apperrors.KindInternal, "failed to stat artifact", err))
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
		}
		if readErr != nil {
			return
		}
	}
}
