package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
	"github.com/mindburnlabs/renderdispatch/internal/dispatch"
	"github.com/mindburnlabs/renderdispatch/internal/envelope"
	"github.com/mindburnlabs/renderdispatch/internal/fingerprint"
	"github.com/mindburnlabs/renderdispatch/internal/localexec"
	"github.com/mindburnlabs/renderdispatch/internal/reconciler"
	"github.com/mindburnlabs/renderdispatch/internal/receipts"
	"github.com/mindburnlabs/renderdispatch/internal/registry"
)

// MaxAttempts is spec §4.8's "max two attempts (initial + one retry)".
const MaxAttempts = 2

// DefaultRetrySleep is the pause between attempt rounds.
const DefaultRetrySleep = 2 * time.Second

// Scheduler owns a full submit-job call: candidate selection, the retry
// loop, and remote-to-local fallback.
type Scheduler struct {
	Registry   *registry.Registry
	Table      *dispatch.Table
	Secret     string
	Client     *http.Client
	Reconciler *reconciler.Reconciler
	Local      *localexec.Executor
	MacOnly    envelope.StepSet
	RetrySleep time.Duration
	Log        *slog.Logger
}

// New builds a Scheduler.
func New(reg *registry.Registry, table *dispatch.Table, secret string, client *http.Client, recon *reconciler.Reconciler, local *localexec.Executor, macOnly envelope.StepSet, log *slog.Logger) *Scheduler {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		Registry: reg, Table: table, Secret: secret, Client: client,
		Reconciler: recon, Local: local, MacOnly: macOnly,
		RetrySleep: DefaultRetrySleep, Log: log,
	}
}

// Submit implements spec §4.8's submit-job operation.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*Result, error) {
	step := envelope.Normalize(req.StepName)

	if s.MacOnly[step] || !s.Table.Supports(step) {
		return s.runLocal(req, step, "")
	}

	inputsHash := req.InputsHash
	if inputsHash == "" {
		hash, err := fingerprint.Of(fingerprint.Payload(req.Payload))
		if err != nil {
			return nil, err
		}
		inputsHash = hash
	}

	candidates := s.selectCandidates(req.Requirements)
	if len(candidates) == 0 {
		if req.AllowLocalFallback {
			return s.runLocal(req, step, inputsHash)
		}
		return nil, apperrors.New(apperrors.KindNoEligibleWorker, "no enabled worker satisfies the requested capabilities")
	}

	var lastFailure string
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		result, fatal, failure := s.attemptRound(ctx, candidates, req, step, inputsHash)
		if result != nil {
			return result, nil
		}
		lastFailure = failure
		if fatal {
			break
		}
		if attempt < MaxAttempts {
			select {
			case <-ctx.Done():
				return nil, apperrors.New(apperrors.KindTimeout, "submit deadline exceeded during retry wait")
			case <-time.After(s.RetrySleep):
			}
		}
	}

	if req.AllowLocalFallback {
		res, err := s.runLocal(req, step, inputsHash)
		if err != nil {
			return nil, err
		}
		res.Message = lastFailure
		return res, nil
	}
	return nil, apperrors.New(apperrors.KindRemoteSubmitFailed, lastFailure)
}

// selectCandidates returns eligible workers in declaration order whose
// cached capabilities satisfy requirements. Spec §4.8: "Tie-break order
// among candidates is deterministic: the configuration's declaration
// order."
func (s *Scheduler) selectCandidates(requirements map[string]any) []registry.Node {
	var out []registry.Node
	for _, node := range s.Registry.Workers() {
		caps, ok := s.Registry.CachedCaps(node.NodeID)
		if !ok {
			continue
		}
		if ok, _ := registry.Match(caps, requirements); ok {
			out = append(out, node)
		}
	}
	return out
}

// attemptRound tries every candidate once. A non-nil result means success.
// fatal reports whether every candidate failed with STEP_UNSUPPORTED,
// which per spec must short-circuit the whole retry loop.
func (s *Scheduler) attemptRound(ctx context.Context, candidates []registry.Node, req Request, step, inputsHash string) (result *Result, fatal bool, failure string) {
	allUnsupported := true
	var reason string

	for _, node := range candidates {
		caps, ok := s.Registry.CachedCaps(node.NodeID)
		if !ok || !caps.Supports(step) {
			reason = fmt.Sprintf("%s: %s", node.NodeID, apperrors.KindStepUnsupported)
			continue
		}

		resp, err := s.submitToNode(ctx, node, req, step, inputsHash)
		if err != nil {
			allUnsupported = false
			reason = fmt.Sprintf("%s: %v", node.NodeID, err)
			continue
		}

		rec, err := s.Reconciler.Reconcile(ctx, node, req.RunID, req.JobID, step, inputsHash)
		if err != nil {
			allUnsupported = false
			reason = fmt.Sprintf("%s: %v", node.NodeID, err)
			continue
		}

		if rec.Status == "succeeded" {
			return &Result{
				Mode:        receipts.ModeRemote,
				NodeID:      node.NodeID,
				ReceiptPath: s.Reconciler.Store.ReceiptPath(rec.RunID, rec.JobID),
				Idempotent:  resp.Idempotent,
				CachedJobID: resp.CachedJobID,
				Status:      rec.Status,
				ExitCode:    rec.ExitCode,
			}, false, ""
		}
		allUnsupported = false
		reason = fmt.Sprintf("%s: remote job failed (%s)", node.NodeID, rec.ErrorCode)
	}

	return nil, allUnsupported, reason
}

type submitJobResponse struct {
	OK          bool   `json:"ok"`
	Idempotent  bool   `json:"idempotent"`
	CachedJobID string `json:"cached_job_id"`
	Error       struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"error"`
}

func (s *Scheduler) submitToNode(ctx context.Context, node registry.Node, req Request, step, inputsHash string) (submitJobResponse, error) {
	view := envelope.View{
		RunID: req.RunID, JobID: req.JobID, StepName: step,
		InputsHash: inputsHash, Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	token, err := envelope.Sign(s.Secret, view)
	if err != nil {
		return submitJobResponse{}, err
	}

	body := map[string]any{
		"message_type": "submit_job",
		"run_id":       view.RunID, "job_id": view.JobID, "step_name": view.StepName,
		"inputs_hash": view.InputsHash, "timestamp": view.Timestamp, "auth_token": token,
		"payload": req.Payload,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return submitJobResponse{}, apperrors.Wrap(apperrors.KindInternal, "failed to marshal submit body", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, node.Timeout())
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, node.BaseURL()+"/job", bytes.NewReader(encoded))
	if err != nil {
		return submitJobResponse{}, apperrors.Wrap(apperrors.KindRemoteSubmitFailed, "failed to build submit request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		return submitJobResponse{}, apperrors.Wrap(apperrors.KindRemoteSubmitFailed, fmt.Sprintf("worker %s unreachable", node.NodeID), err)
	}
	defer resp.Body.Close()

	var parsed submitJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return submitJobResponse{}, apperrors.Wrap(apperrors.KindRemoteSubmitFailed, "malformed submit response", err)
	}
	if !parsed.OK {
		kind := apperrors.Kind(parsed.Error.Code)
		if kind == "" {
			kind = apperrors.KindRemoteSubmitFailed
		}
		return submitJobResponse{}, apperrors.New(kind, parsed.Error.Detail)
	}
	return parsed, nil
}

func (s *Scheduler) runLocal(req Request, step, inputsHash string) (*Result, error) {
	if inputsHash == "" {
		hash, err := fingerprint.Of(fingerprint.Payload(req.Payload))
		if err != nil {
			return nil, err
		}
		inputsHash = hash
	}

	env := &envelope.Envelope{View: envelope.View{
		RunID: req.RunID, JobID: req.JobID, StepName: step, InputsHash: inputsHash,
	}}
	rec, mode, err := s.Local.Run(env, fingerprint.Payload(req.Payload), req.Force)
	if err != nil {
		return nil, err
	}

	return &Result{
		Mode:        mode,
		ReceiptPath: s.Local.Store.ReceiptPath(rec.RunID, rec.JobID),
		Status:      rec.Status,
		ExitCode:    rec.ExitCode,
	}, nil
}
