// Package localexec implements the local fallback executor (spec §4.10): it
// shares the worker's dispatch table (C5) and receipt layout (C3), so a job
// that cannot run remotely still produces a byte-for-byte comparable
// receipt, and repeat invocations with the same fingerprint short-circuit
// through a fingerprint-keyed cache.
package localexec

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
	"github.com/mindburnlabs/renderdispatch/internal/dispatch"
	"github.com/mindburnlabs/renderdispatch/internal/envelope"
	"github.com/mindburnlabs/renderdispatch/internal/fingerprint"
	"github.com/mindburnlabs/renderdispatch/internal/receipts"
)

// Executor runs jobs synchronously against the same dispatch table a
// worker would use.
type Executor struct {
	Table         *dispatch.Table
	Store         *receipts.Store
	WorkspaceRoot string
	Log           *slog.Logger
}

// New builds an Executor.
func New(table *dispatch.Table, store *receipts.Store, workspaceRoot string, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{Table: table, Store: store, WorkspaceRoot: workspaceRoot, Log: log}
}

// Run executes env/payload locally, honoring the fingerprint cache unless
// force is set. It returns the resulting receipt and the mode under which
// it was produced (local or local_cached). Only filesystem-level failures
// (not handler failures, which land in the receipt) are returned as errors.
func (e *Executor) Run(env *envelope.Envelope, payload fingerprint.Payload, force bool) (*receipts.Receipt, receipts.Mode, error) {
	if !force {
		if rec, ok, err := e.tryCache(env.StepName, env.InputsHash); err != nil {
			return nil, "", err
		} else if ok {
			return rec, receipts.ModeLocalCached, nil
		}
	}

	rec, err := e.execute(env, payload)
	if err != nil {
		return nil, "", err
	}

	entry := receipts.LocalCacheEntry{
		Success:     rec.Status == "succeeded",
		Status:      rec.Status,
		ExitCode:    rec.ExitCode,
		ReceiptPath: e.Store.ReceiptPath(rec.RunID, rec.JobID),
	}
	if err := e.Store.WriteLocalCacheEntry(env.StepName, env.InputsHash, entry); err != nil {
		e.Log.Warn("failed to write local cache entry", "step", env.StepName, "error", err)
	}

	return rec, receipts.ModeLocal, nil
}

func (e *Executor) tryCache(step, hash string) (*receipts.Receipt, bool, error) {
	entry, ok, err := e.Store.ReadLocalCacheEntry(step, hash)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	data, err := os.ReadFile(entry.ReceiptPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Cache entry survived but its receipt did not; treat as a miss.
			return nil, false, nil
		}
		return nil, false, apperrors.Wrap(apperrors.KindInternal, "failed to read cached receipt", err)
	}
	var rec receipts.Receipt
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, apperrors.Wrap(apperrors.KindInternal, "failed to parse cached receipt", err)
	}
	return &rec, true, nil
}

func (e *Executor) execute(env *envelope.Envelope, payload fingerprint.Payload) (*receipts.Receipt, error) {
	createdAt := time.Now().UTC()
	workspace := filepath.Join(e.WorkspaceRoot, "local_jobs", env.JobID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to create local workspace", err)
	}

	result, execErr := e.runHandler(env, payload, workspace)
	finishedAt := time.Now().UTC()

	rec := &receipts.Receipt{
		RunID:      env.RunID,
		JobID:      env.JobID,
		StepName:   env.StepName,
		Mode:       receipts.ModeLocal,
		CreatedAt:  createdAt,
		StartedAt:  createdAt,
		FinishedAt: finishedAt,
	}

	if execErr == nil {
		artifacts, err := e.persistArtifacts(env.RunID, env.JobID, result.Artifacts)
		if err != nil {
			execErr = err
		} else {
			rec.Status = "succeeded"
			rec.ExitCode = result.ExitCode
			rec.Metrics = result.Metrics
			rec.Artifacts = artifacts
		}
	}
	if execErr != nil {
		rec.Status = "failed"
		kind := apperrors.KindOf(execErr)
		if kind == apperrors.KindUnhandledException {
			rec.ExitCode = 1
		} else {
			rec.ExitCode = 2
		}
		rec.ErrorCode = string(kind)
		rec.ErrorMessage = execErr.Error()
	}

	if err := e.Store.WriteReceipt(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Executor) runHandler(env *envelope.Envelope, payload fingerprint.Payload, workspace string) (result dispatch.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.KindUnhandledException, fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	return e.Table.Dispatch(env, payload, workspace)
}

func (e *Executor) persistArtifacts(runID, jobID string, produced []dispatch.ResultArtifact) ([]receipts.Artifact, error) {
	out := make([]receipts.Artifact, 0, len(produced))
	for _, a := range produced {
		written, err := e.Store.WriteArtifact(runID, jobID, a.Name, a.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, written)
	}
	return out, nil
}
