package queue

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
	"github.com/mindburnlabs/renderdispatch/internal/dispatch"
	"github.com/mindburnlabs/renderdispatch/internal/envelope"
	"github.com/mindburnlabs/renderdispatch/internal/fingerprint"
	"github.com/mindburnlabs/renderdispatch/internal/receipts"
)

// Queue is the per-worker process-wide singleton described in spec §4.6: a
// mutex-protected job map, a dedup index, a bounded FIFO and a single
// background runner. Construct one per worker process and call Start once.
type Queue struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	byHash map[dedupKey]string
	fifo   chan string

	workerID  string
	workspace string
	table     *dispatch.Table
	store     *receipts.Store
	log       *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config configures a new Queue.
type Config struct {
	WorkerID      string
	WorkspaceRoot string
	QueueDepth    int // bounded FIFO capacity; spec §4.6 "bounded-length FIFO"
	Table         *dispatch.Table
	Store         *receipts.Store
	Logger        *slog.Logger
}

// New builds a Queue. Callers must call Start before jobs will run.
func New(cfg Config) *Queue {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		jobs:      make(map[string]*Job),
		byHash:    make(map[dedupKey]string),
		fifo:      make(chan string, depth),
		workerID:  cfg.WorkerID,
		workspace: cfg.WorkspaceRoot,
		table:     cfg.Table,
		store:     cfg.Store,
		log:       logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the single background runner goroutine.
func (q *Queue) Start() {
	go q.runLoop()
}

// Stop signals the runner to exit once it finishes any in-flight job and
// waits for it to return.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	<-q.doneCh
}

// Enqueue implements spec §4.6's enqueue semantics: dedup on
// (step_name, inputs_hash), then on replayed job_id, else a fresh record.
func (q *Queue) Enqueue(env *envelope.Envelope, payload fingerprint.Payload) (EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := dedupKey{step: env.StepName, inputsHash: env.InputsHash}
	if existingID, ok := q.byHash[key]; ok {
		existing := q.jobs[existingID]
		existing.Idempotent = true
		return EnqueueResult{Idempotent: true, CachedJobID: existingID, Job: existing.Clone()}, nil
	}

	if existing, ok := q.jobs[env.JobID]; ok {
		existing.Idempotent = true
		return EnqueueResult{Idempotent: true, CachedJobID: existing.JobID, Job: existing.Clone()}, nil
	}

	job := &Job{
		RunID:      env.RunID,
		JobID:      env.JobID,
		StepName:   env.StepName,
		InputsHash: env.InputsHash,
		Payload:    payload,
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
	}
	q.jobs[job.JobID] = job
	q.byHash[key] = job.JobID

	select {
	case q.fifo <- job.JobID:
	default:
		delete(q.jobs, job.JobID)
		delete(q.byHash, key)
		return EnqueueResult{}, apperrors.New(apperrors.KindInternal, "job queue is full")
	}

	if err := q.store.AppendLogLine(job.RunID, job.JobID, receipts.LogEvent{
		Timestamp: job.CreatedAt, JobID: job.JobID, Event: "queued", Level: "info",
		Message: fmt.Sprintf("job queued for step %s", job.StepName),
	}); err != nil {
		q.log.Warn("failed to append queued log line", "job_id", job.JobID, "error", err)
	}

	return EnqueueResult{Job: job.Clone()}, nil
}

// Get returns a snapshot of the job record for jobID.
func (q *Queue) Get(jobID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return job.Clone(), true
}

func (q *Queue) runLoop() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			return
		case jobID := <-q.fifo:
			q.runOne(jobID)
		case <-time.After(200 * time.Millisecond):
			// short wake for shutdown responsiveness, per spec §4.6
			// "blocking with short wake for shutdown"
		}
	}
}

func (q *Queue) runOne(jobID string) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	job.Status = StatusRunning
	job.Progress = 0.1
	job.StartedAt = time.Now().UTC()
	runID, stepName := job.RunID, job.StepName
	q.mu.Unlock()

	if err := q.store.AppendLogLine(runID, jobID, receipts.LogEvent{
		Timestamp: job.StartedAt, JobID: jobID, Event: "running", Level: "info",
		Message: fmt.Sprintf("job running for step %s", stepName),
	}); err != nil {
		q.log.Warn("failed to append running log line", "job_id", jobID, "error", err)
	}

	result, execErr := q.execute(job)

	var artifacts []receipts.Artifact
	if execErr == nil {
		artifacts, execErr = q.persistArtifacts(runID, jobID, result.Artifacts)
	}

	q.mu.Lock()
	job = q.jobs[jobID]
	job.FinishedAt = time.Now().UTC()
	q.applyOutcome(job, result, artifacts, execErr)
	snapshot := job.Clone()
	q.mu.Unlock()

	q.persistReceipt(snapshot, artifacts)
}

// execute recovers a handler panic into KindUnhandledException so a single
// misbehaving handler can never crash the runner goroutine.
func (q *Queue) execute(job *Job) (result dispatch.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.KindUnhandledException, fmt.Sprintf("handler panicked: %v", r))
		}
	}()

	env := &envelope.Envelope{View: envelope.View{
		RunID: job.RunID, JobID: job.JobID, StepName: job.StepName, InputsHash: job.InputsHash,
	}}
	workspace := filepath.Join(q.workspace, "jobs", job.JobID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return dispatch.Result{}, apperrors.Wrap(apperrors.KindInternal, "failed to create job workspace", err)
	}
	return q.table.Dispatch(env, job.Payload, workspace)
}

// persistArtifacts writes each handler-produced artifact through the
// receipt store, which assigns the final on-disk path and computes its own
// SHA-256 independent of anything the handler claimed.
func (q *Queue) persistArtifacts(runID, jobID string, produced []dispatch.ResultArtifact) ([]receipts.Artifact, error) {
	out := make([]receipts.Artifact, 0, len(produced))
	for _, a := range produced {
		written, err := q.store.WriteArtifact(runID, jobID, a.Name, a.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, written)
	}
	return out, nil
}

// applyOutcome sets terminal fields per spec §4.6: success copies result
// fields; structured failure sets status=failed, exit_code=2; unexpected
// exception sets status=failed, exit_code=1, error_code=UNHANDLED_EXCEPTION.
func (q *Queue) applyOutcome(job *Job, result dispatch.Result, artifacts []receipts.Artifact, err error) {
	if err == nil {
		job.Status = StatusSucceeded
		job.Progress = 1.0
		job.ExitCode = result.ExitCode
		job.Metrics = result.Metrics
		job.Artifacts = make([]string, len(artifacts))
		for i, a := range artifacts {
			job.Artifacts[i] = a.Path
		}
		return
	}

	job.Status = StatusFailed
	job.Progress = 1.0
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindUnhandledException {
		job.ExitCode = 1
	} else {
		job.ExitCode = 2
	}
	job.ErrorCode = string(kind)
	job.ErrorMessage = err.Error()
}

func (q *Queue) persistReceipt(job Job, artifacts []receipts.Artifact) {
	r := &receipts.Receipt{
		RunID:        job.RunID,
		JobID:        job.JobID,
		StepName:     job.StepName,
		Status:       string(job.Status),
		ExitCode:     job.ExitCode,
		Mode:         receipts.ModeRemote,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		Metrics:      job.Metrics,
		Artifacts:    artifacts,
		LogPath:      q.store.LogPath(job.RunID, job.JobID),
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		WorkerID:     q.workerID,
	}
	if err := q.store.WriteReceipt(r); err != nil {
		q.log.Error("failed to write receipt", "job_id", job.JobID, "error", err)
	}
}
