// Package reconciler implements the controller-side poll/collect loop
// (spec §4.9, component C9): given a successfully submitted remote job, poll
// its status until terminal, then download artifacts and compose a local
// receipt under the same atomic-write discipline as the worker. The job's
// logs endpoint is not fetched: the receipt carries no log file or log path.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
	"github.com/mindburnlabs/renderdispatch/internal/envelope"
	"github.com/mindburnlabs/renderdispatch/internal/queue"
	"github.com/mindburnlabs/renderdispatch/internal/receipts"
	"github.com/mindburnlabs/renderdispatch/internal/registry"
)

// DefaultPollInterval and DefaultPollTimeout are spec §4.9's defaults.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 900 * time.Second
)

// Reconciler polls a remote worker for a submitted job's terminal state and
// persists a local receipt.
type Reconciler struct {
	Client       *http.Client
	Secret       string
	Store        *receipts.Store
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// New builds a Reconciler, defaulting poll interval/timeout when unset.
func New(client *http.Client, secret string, store *receipts.Store, pollInterval, pollTimeout time.Duration) *Reconciler {
	if client == nil {
		client = &http.Client{}
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Reconciler{Client: client, Secret: secret, Store: store, PollInterval: pollInterval, PollTimeout: pollTimeout}
}

type jobStatusResponse struct {
	OK  bool `json:"ok"`
	Job struct {
		Status       string         `json:"status"`
		ExitCode     *int           `json:"exit_code,omitempty"`
		Metrics      map[string]any `json:"metrics,omitempty"`
		ErrorCode    string         `json:"error_code,omitempty"`
		ErrorMessage string         `json:"error_message,omitempty"`
	} `json:"job"`
}

type artifactsResponse struct {
	OK        bool                `json:"ok"`
	Artifacts []receipts.Artifact `json:"artifacts"`
}

// Reconcile polls node for job (run_id, job_id) until terminal or
// ctx/PollTimeout expires, then downloads artifacts and writes a local
// receipt. inputsHash must be the job's own inputs_hash: the worker's read
// endpoints reject a mismatch with ENVELOPE_MISMATCH. Returns KindTimeout
// if the deadline elapses first.
func (r *Reconciler) Reconcile(ctx context.Context, node registry.Node, runID, jobID, stepName, inputsHash string) (*receipts.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.PollTimeout)
	defer cancel()

	createdAt := time.Now().UTC()
	var status jobStatusResponse
	for {
		resp, err := r.pollOnce(ctx, node, runID, jobID, inputsHash)
		if err != nil {
			return nil, err
		}
		status = resp
		if queue.IsTerminalPollStatus(status.Job.Status) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.New(apperrors.KindTimeout, fmt.Sprintf("job %s did not reach a terminal state within the poll deadline", jobID))
		case <-time.After(r.PollInterval):
		}
	}

	success := queue.ClassifySuccess(status.Job.Status, status.Job.ErrorCode != "", status.Job.Status)
	exitCode := queue.NormalizeExitCode(status.Job.ExitCode, success)

	artifacts, err := r.collectArtifacts(ctx, node, runID, jobID, inputsHash)
	errCode := status.Job.ErrorCode
	errMessage := status.Job.ErrorMessage
	recStatus := status.Job.Status
	if err != nil {
		// A hash mismatch is a data-integrity fault in the already-terminal
		// job, not a transient network fault: it is recorded on the receipt
		// rather than retried by the scheduler's bounded-attempt budget.
		if apperrors.KindOf(err) != apperrors.KindArtifactHashMismatch {
			return nil, err
		}
		recStatus = "failed"
		errCode = string(apperrors.KindArtifactHashMismatch)
		errMessage = err.Error()
	}

	rec := &receipts.Receipt{
		RunID:        runID,
		JobID:        jobID,
		StepName:     stepName,
		Status:       recStatus,
		ExitCode:     exitCode,
		Mode:         receipts.ModeRemote,
		CreatedAt:    createdAt,
		FinishedAt:   time.Now().UTC(),
		Metrics:      status.Job.Metrics,
		Artifacts:    artifacts,
		ErrorCode:    errCode,
		ErrorMessage: errMessage,
		WorkerID:     node.NodeID,
	}
	if err := r.Store.WriteReceipt(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Reconciler) signedQuery(runID, jobID, step, inputsHash string) (url.Values, error) {
	view := envelope.View{RunID: runID, JobID: jobID, StepName: step, InputsHash: inputsHash, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	token, err := envelope.Sign(r.Secret, view)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("run_id", view.RunID)
	q.Set("inputs_hash", view.InputsHash)
	q.Set("timestamp", view.Timestamp)
	q.Set("auth_token", token)
	return q, nil
}

func (r *Reconciler) pollOnce(ctx context.Context, node registry.Node, runID, jobID, inputsHash string) (jobStatusResponse, error) {
	q, err := r.signedQuery(runID, jobID, "JOB_STATUS", inputsHash)
	if err != nil {
		return jobStatusResponse{}, err
	}
	reqURL := fmt.Sprintf("%s/job/%s?%s", node.BaseURL(), jobID, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return jobStatusResponse{}, apperrors.Wrap(apperrors.KindInternal, "failed to build status request", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return jobStatusResponse{}, apperrors.Wrap(apperrors.KindRemoteSubmitFailed, "status request failed", err)
	}
	defer resp.Body.Close()

	var parsed jobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return jobStatusResponse{}, apperrors.Wrap(apperrors.KindInternal, "malformed status response", err)
	}
	return parsed, nil
}

func (r *Reconciler) collectArtifacts(ctx context.Context, node registry.Node, runID, jobID, inputsHash string) ([]receipts.Artifact, error) {
	q, err := r.signedQuery(runID, jobID, "JOB_ARTIFACTS", inputsHash)
	if err != nil {
		return nil, err
	}
	listURL := fmt.Sprintf("%s/job/%s/artifacts?%s", node.BaseURL(), jobID, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to build artifacts list request", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindRemoteSubmitFailed, "artifacts list request failed", err)
	}
	defer resp.Body.Close()

	var listed artifactsResponse
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "malformed artifacts list response", err)
	}

	out := make([]receipts.Artifact, 0, len(listed.Artifacts))
	for _, a := range listed.Artifacts {
		name := baseName(a.Path)
		data, err := r.downloadArtifact(ctx, node, runID, jobID, name, inputsHash)
		if err != nil {
			return nil, err
		}
		written, err := r.Store.WriteArtifact(runID, jobID, name, data)
		if err != nil {
			return nil, err
		}
		if a.SHA256 != "" && a.SHA256 != written.SHA256 {
			return nil, apperrors.New(apperrors.KindArtifactHashMismatch, fmt.Sprintf("artifact %s: worker reported sha256 %s, downloaded bytes hash to %s", name, a.SHA256, written.SHA256))
		}
		out = append(out, written)
	}
	return out, nil
}

func (r *Reconciler) downloadArtifact(ctx context.Context, node registry.Node, runID, jobID, name, inputsHash string) ([]byte, error) {
	q, err := r.signedQuery(runID, jobID, "JOB_ARTIFACTS", inputsHash)
	if err != nil {
		return nil, err
	}
	dlURL := fmt.Sprintf("%s/job/%s/artifacts/%s?%s", node.BaseURL(), jobID, url.PathEscape(name), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dlURL, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to build artifact download request", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindRemoteSubmitFailed, "artifact download failed", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to read artifact body", err)
	}
	return data, nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
