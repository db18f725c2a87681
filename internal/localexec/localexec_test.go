package localexec

import (
	"testing"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/dispatch"
	"github.com/mindburnlabs/renderdispatch/internal/envelope"
	"github.com/mindburnlabs/renderdispatch/internal/fingerprint"
	"github.com/mindburnlabs/renderdispatch/internal/receipts"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	table := dispatch.NewTable()
	dispatch.RegisterReferenceHandlers(table)
	store := receipts.NewStore(t.TempDir())
	return New(table, store, t.TempDir(), nil)
}

func testEnvelope(jobID string) *envelope.Envelope {
	return &envelope.Envelope{View: envelope.View{
		RunID: "run1", JobID: jobID, StepName: dispatch.StepAudioPostcheck,
		InputsHash: "0123456789abcdef", Timestamp: time.Now().UTC().Format(time.RFC3339),
	}}
}

func TestRun_FreshExecutionSucceeds(t *testing.T) {
	e := newTestExecutor(t)
	env := testEnvelope("job1")
	payload := fingerprint.Payload{"data_hex": "0a141e"}

	rec, mode, err := e.Run(env, payload, false)
	require.NoError(t, err)
	require.Equal(t, receipts.ModeLocal, mode)
	require.Equal(t, "succeeded", rec.Status)
	require.Len(t, rec.Artifacts, 1)
}

func TestRun_CacheHitOnSecondCall(t *testing.T) {
	e := newTestExecutor(t)
	payload := fingerprint.Payload{"data_hex": "0a141e"}

	env1 := testEnvelope("job1")
	_, mode1, err := e.Run(env1, payload, false)
	require.NoError(t, err)
	require.Equal(t, receipts.ModeLocal, mode1)

	env2 := testEnvelope("job2")
	rec2, mode2, err := e.Run(env2, payload, false)
	require.NoError(t, err)
	require.Equal(t, receipts.ModeLocalCached, mode2)
	require.Equal(t, "job1", rec2.JobID) // cached receipt belongs to the original run
}

func TestRun_ForceBypassesCache(t *testing.T) {
	e := newTestExecutor(t)
	payload := fingerprint.Payload{"data_hex": "0a141e"}

	env1 := testEnvelope("job1")
	_, _, err := e.Run(env1, payload, false)
	require.NoError(t, err)

	env2 := testEnvelope("job2")
	rec2, mode2, err := e.Run(env2, payload, true)
	require.NoError(t, err)
	require.Equal(t, receipts.ModeLocal, mode2)
	require.Equal(t, "job2", rec2.JobID)
}

func TestRun_HandlerFailureRecordedInReceipt(t *testing.T) {
	e := newTestExecutor(t)
	env := testEnvelope("job1")
	payload := fingerprint.Payload{"data_hex": "not-hex"}

	rec, mode, err := e.Run(env, payload, false)
	require.NoError(t, err)
	require.Equal(t, receipts.ModeLocal, mode)
	require.Equal(t, "failed", rec.Status)
	require.Equal(t, 2, rec.ExitCode)
	require.NotEmpty(t, rec.ErrorCode)
}
