package dispatch

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/envelope"
	"github.com/mindburnlabs/renderdispatch/internal/fingerprint"
	"github.com/stretchr/testify/require"
)

func testEnvelope(step, jobID string) *envelope.Envelope {
	return &envelope.Envelope{View: envelope.View{
		RunID:      "run1",
		JobID:      jobID,
		StepName:   step,
		InputsHash: "0123456789abcdef",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}}
}

func TestSafeJoin_RejectsEscape(t *testing.T) {
	root := t.TempDir()
	_, err := SafeJoin(root, "../outside")
	require.Error(t, err)

	_, err = SafeJoin(root, "nested/ok")
	require.NoError(t, err)
}

func TestTable_DispatchUnknownStep(t *testing.T) {
	table := NewTable()
	env := testEnvelope("UNKNOWN_STEP", "j1")
	_, err := table.Dispatch(env, fingerprint.Payload{}, t.TempDir())
	require.Error(t, err)
}

func TestTTSRenderChunks_Success(t *testing.T) {
	table := NewTable()
	RegisterReferenceHandlers(table)

	env := testEnvelope(StepTTSRenderChunks, "job1")
	payload := fingerprint.Payload{
		"chunks": []any{
			map[string]any{"id": "c1", "text": "hello"},
			map[string]any{"id": "c2", "text": "world"},
		},
	}

	result, err := table.Dispatch(env, payload, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, "succeeded", result.Status)
	require.Len(t, result.Artifacts, 3) // 2 chunks + manifest

	// Determinism: same text produces the same waveform bytes.
	result2, err := table.Dispatch(env, payload, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, result.Artifacts[0].Data, result2.Artifacts[0].Data)
}

func TestTTSRenderChunks_RejectsEmptyChunks(t *testing.T) {
	table := NewTable()
	RegisterReferenceHandlers(table)
	env := testEnvelope(StepTTSRenderChunks, "job1")
	_, err := table.Dispatch(env, fingerprint.Payload{"chunks": []any{}}, t.TempDir())
	require.Error(t, err)
}

func TestFFmpegProbe_GuessesCodec(t *testing.T) {
	table := NewTable()
	RegisterReferenceHandlers(table)
	env := testEnvelope(StepFFmpegProbe, "job2")

	result, err := table.Dispatch(env, fingerprint.Payload{"media_path": "clip.mp4"}, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "h264", result.Metrics["guessed_codec"])
}

func TestAudioPostcheck_Deterministic(t *testing.T) {
	table := NewTable()
	RegisterReferenceHandlers(table)
	env := testEnvelope(StepAudioPostcheck, "job3")
	payload := fingerprint.Payload{"data_hex": hex.EncodeToString([]byte{10, 20, 30, 200})}

	r1, err := table.Dispatch(env, payload, t.TempDir())
	require.NoError(t, err)
	r2, err := table.Dispatch(env, payload, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, r1.Metrics["lufs"], r2.Metrics["lufs"])
}

func TestAudioPostcheck_RejectsBadHex(t *testing.T) {
	table := NewTable()
	RegisterReferenceHandlers(table)
	env := testEnvelope(StepAudioPostcheck, "job3")
	_, err := table.Dispatch(env, fingerprint.Payload{"data_hex": "not-hex"}, t.TempDir())
	require.Error(t, err)
}

func TestFrameSampling_Deterministic(t *testing.T) {
	table := NewTable()
	RegisterReferenceHandlers(table)
	env := testEnvelope(StepFrameSampling, "job4")
	payload := fingerprint.Payload{"video_path": "clip.mp4", "frame_count": float64(3)}

	r1, err := table.Dispatch(env, payload, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "succeeded", r1.Status)
	require.Len(t, r1.Artifacts, 4) // 3 frames + index

	r2, err := table.Dispatch(env, payload, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, r1.Artifacts[0].Data, r2.Artifacts[0].Data)
}

func TestFrameSampling_RejectsMissingVideoPath(t *testing.T) {
	table := NewTable()
	RegisterReferenceHandlers(table)
	env := testEnvelope(StepFrameSampling, "job4")
	_, err := table.Dispatch(env, fingerprint.Payload{}, t.TempDir())
	require.Error(t, err)
}
