package queue

import (
	"testing"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/dispatch"
	"github.com/mindburnlabs/renderdispatch/internal/envelope"
	"github.com/mindburnlabs/renderdispatch/internal/fingerprint"
	"github.com/mindburnlabs/renderdispatch/internal/receipts"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	table := dispatch.NewTable()
	dispatch.RegisterReferenceHandlers(table)
	store := receipts.NewStore(t.TempDir())
	q := New(Config{
		WorkerID:      "worker-1",
		WorkspaceRoot: t.TempDir(),
		Table:         table,
		Store:         store,
	})
	q.Start()
	t.Cleanup(q.Stop)
	return q
}

func testEnv(step, jobID, hash string) *envelope.Envelope {
	return &envelope.Envelope{View: envelope.View{
		RunID: "run1", JobID: jobID, StepName: step, InputsHash: hash,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}}
}

func waitForTerminal(t *testing.T, q *Queue, jobID string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := q.Get(jobID)
		if ok && job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return Job{}
}

func TestEnqueue_FreshJobRunsToSuccess(t *testing.T) {
	q := newTestQueue(t)
	payload := fingerprint.Payload{"data_hex": "0a141e"}
	env := testEnv(dispatch.StepAudioPostcheck, "job1", "0123456789abcdef")

	res, err := q.Enqueue(env, payload)
	require.NoError(t, err)
	require.False(t, res.Idempotent)

	job := waitForTerminal(t, q, "job1")
	require.Equal(t, StatusSucceeded, job.Status)
	require.Equal(t, 0, job.ExitCode)
	require.Len(t, job.Artifacts, 1)
}

func TestEnqueue_DedupByStepAndHash(t *testing.T) {
	q := newTestQueue(t)
	payload := fingerprint.Payload{"data_hex": "0a141e"}

	env1 := testEnv(dispatch.StepAudioPostcheck, "job1", "0123456789abcdef")
	_, err := q.Enqueue(env1, payload)
	require.NoError(t, err)
	waitForTerminal(t, q, "job1")

	env2 := testEnv(dispatch.StepAudioPostcheck, "job2", "0123456789abcdef")
	res2, err := q.Enqueue(env2, payload)
	require.NoError(t, err)
	require.True(t, res2.Idempotent)
	require.Equal(t, "job1", res2.CachedJobID)
}

func TestEnqueue_ReplayedJobIDDeduplicates(t *testing.T) {
	q := newTestQueue(t)
	payload := fingerprint.Payload{"data_hex": "0a141e"}
	env := testEnv(dispatch.StepAudioPostcheck, "job1", "0123456789abcdef")

	_, err := q.Enqueue(env, payload)
	require.NoError(t, err)
	waitForTerminal(t, q, "job1")

	res, err := q.Enqueue(env, payload)
	require.NoError(t, err)
	require.True(t, res.Idempotent)
}

func TestRunOne_StructuredFailureSetsExitCode2(t *testing.T) {
	q := newTestQueue(t)
	env := testEnv(dispatch.StepAudioPostcheck, "job1", "0123456789abcdef")
	_, err := q.Enqueue(env, fingerprint.Payload{"data_hex": "not-hex"})
	require.NoError(t, err)

	job := waitForTerminal(t, q, "job1")
	require.Equal(t, StatusFailed, job.Status)
	require.Equal(t, 2, job.ExitCode)
	require.NotEmpty(t, job.ErrorCode)
}

func TestRunOne_UnsupportedStepFails(t *testing.T) {
	q := newTestQueue(t)
	env := testEnv("NOT_A_REAL_STEP", "job1", "0123456789abcdef")
	_, err := q.Enqueue(env, fingerprint.Payload{})
	require.NoError(t, err)

	job := waitForTerminal(t, q, "job1")
	require.Equal(t, StatusFailed, job.Status)
	require.Equal(t, "STEP_UNSUPPORTED", job.ErrorCode)
}

func TestGet_UnknownJobReturnsFalse(t *testing.T) {
	q := newTestQueue(t)
	_, ok := q.Get("does-not-exist")
	require.False(t, ok)
}
