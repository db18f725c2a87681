// Reference step handlers for the four job steps this dispatch core
// actually executes deterministically: TTS_RENDER_CHUNKS, FFMPEG_PROBE,
// AUDIO_POSTCHECK and FRAME_SAMPLING. A fifth closed-set job step,
// OPENCLAW_TASK, is deliberately not registered here: its real executor
// requires an active graphical session, the openclaw CLI, a screen capture
// and OCR pass on the result, none of which this core can exercise
// deterministically or without a live desktop, so it is left for an
// operator-supplied handler rather than faked. Each handler here is
// deterministic: same payload, same bytes out, so receipt/cache tests are
// reproducible without shelling out to ffmpeg or a TTS engine.
package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
	"github.com/mindburnlabs/renderdispatch/internal/envelope"
	"github.com/mindburnlabs/renderdispatch/internal/fingerprint"
)

// Step name constants for the four registered reference handlers.
const (
	StepTTSRenderChunks = "TTS_RENDER_CHUNKS"
	StepFFmpegProbe     = "FFMPEG_PROBE"
	StepAudioPostcheck  = "AUDIO_POSTCHECK"
	StepFrameSampling   = "FRAME_SAMPLING"
)

// StepOpenclawTask names the fifth closed-set job step. It is intentionally
// not registered by RegisterReferenceHandlers (see package doc); the
// constant exists so an operator binding a real implementation via
// Table.Register has the canonical name to register against.
const StepOpenclawTask = "OPENCLAW_TASK"

// StepDavinciRender and StepDavinciRenderFinal are always routed to local
// execution, never to a remote worker, regardless of worker availability.
// No reference handler is registered for either: a real implementation
// needs a local DaVinci Resolve install, which this module never assumes.
const (
	StepDavinciRender      = "DAVINCI_RENDER"
	StepDavinciRenderFinal = "DAVINCI_RENDER_FINAL"
)

// DefaultMacOnlySteps returns the always-local step set callers should pass
// to the scheduler as its mac-only allowlist.
func DefaultMacOnlySteps() envelope.StepSet {
	return envelope.NewStepSet(StepDavinciRender, StepDavinciRenderFinal)
}

// RegisterReferenceHandlers binds the four reference handlers into table.
func RegisterReferenceHandlers(table *Table) {
	table.Register(StepTTSRenderChunks, ttsRenderChunks)
	table.Register(StepFFmpegProbe, ffmpegProbe)
	table.Register(StepAudioPostcheck, audioPostcheck)
	table.Register(StepFrameSampling, frameSampling)
}

type ttsChunk struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ttsRenderChunks synthesizes a deterministic placeholder waveform per
// chunk (its bytes are the SHA-256 of the chunk text, repeated to a fixed
// length) plus a manifest artifact listing the chunks rendered.
func ttsRenderChunks(env *envelope.Envelope, payload fingerprint.Payload, workspaceRoot string) (Result, error) {
	start := time.Now()

	rawChunks, ok := payload["chunks"]
	if !ok {
		return Result{}, apperrors.New(apperrors.KindInvalidInput, "payload.chunks is required")
	}
	chunks, err := decodeChunks(rawChunks)
	if err != nil {
		return Result{}, err
	}
	if len(chunks) == 0 {
		return Result{}, apperrors.New(apperrors.KindInvalidInput, "payload.chunks must be non-empty")
	}

	scratch, err := SafeJoin(workspaceRoot, fmt.Sprintf("tts_%s", env.JobID))
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return Result{}, apperrors.Wrap(apperrors.KindCommandFailed, "failed to create scratch workspace", err)
	}

	artifacts := make([]ResultArtifact, 0, len(chunks)+1)
	manifest := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		if c.ID == "" || c.Text == "" {
			return Result{}, apperrors.New(apperrors.KindInvalidInput, "each chunk requires a non-empty id and text")
		}
		waveform := syntheticWaveform(c.Text)
		name := fmt.Sprintf("chunk_%s.wav", c.ID)
		artifacts = append(artifacts, ResultArtifact{Name: name, Data: waveform})
		manifest = append(manifest, map[string]any{
			"id":          c.ID,
			"artifact":    name,
			"byte_length": len(waveform),
		})
	}

	manifestJSON, err := json.MarshalIndent(map[string]any{"chunks": manifest}, "", "  ")
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.KindCommandFailed, "failed to marshal manifest", err)
	}
	artifacts = append(artifacts, ResultArtifact{Name: "manifest.json", Data: manifestJSON})

	return Result{
		ExitCode:   0,
		Status:     "succeeded",
		Metrics:    map[string]any{"chunk_count": len(chunks)},
		Artifacts:  artifacts,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

func decodeChunks(raw any) ([]ttsChunk, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidInput, "payload.chunks is not serializable", err)
	}
	var chunks []ttsChunk
	if err := json.Unmarshal(encoded, &chunks); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidInput, "payload.chunks must be a list of {id,text} objects", err)
	}
	return chunks, nil
}

// syntheticWaveform deterministically derives placeholder audio bytes from
// text, long enough to look like a small WAV payload without depending on
// any real audio codec.
func syntheticWaveform(text string) []byte {
	sum := sha256.Sum256([]byte(text))
	const repeats = 64
	out := make([]byte, 0, len(sum)*repeats)
	for i := 0; i < repeats; i++ {
		out = append(out, sum[:]...)
	}
	return out
}

// ffmpegProbe reads declared media metadata from the payload (no real
// ffprobe invocation, no filesystem access to an actual media file) and
// emits a deterministic probe report keyed off the declared media_path.
func ffmpegProbe(env *envelope.Envelope, payload fingerprint.Payload, workspaceRoot string) (Result, error) {
	start := time.Now()

	mediaPath, _ := payload["media_path"].(string)
	if mediaPath == "" {
		return Result{}, apperrors.New(apperrors.KindInvalidInput, "payload.media_path is required")
	}

	if _, err := SafeJoin(workspaceRoot, fmt.Sprintf("probe_%s", env.JobID)); err != nil {
		return Result{}, err
	}

	ext := extensionOf(mediaPath)
	codec := codecForExtension(ext)

	report := map[string]any{
		"media_path":    mediaPath,
		"detected_ext":  ext,
		"guessed_codec": codec,
	}
	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.KindCommandFailed, "failed to marshal probe report", err)
	}

	return Result{
		ExitCode:   0,
		Status:     "succeeded",
		Metrics:    map[string]any{"guessed_codec": codec},
		Artifacts:  []ResultArtifact{{Name: "ffprobe.json", Data: reportJSON}},
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

func extensionOf(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i+1:]
		}
	}
	return ""
}

func codecForExtension(ext string) string {
	switch ext {
	case "mp4", "mov", "m4v":
		return "h264"
	case "mp3":
		return "mp3"
	case "wav":
		return "pcm_s16le"
	case "webm":
		return "vp9"
	default:
		return "unknown"
	}
}

// audioPostcheck computes a deterministic synthetic loudness metric from
// hex-encoded sample bytes supplied in the payload, standing in for a real
// render's audio-postcheck pass (expected duration vs. rendered duration,
// measured loudness vs. the render config's target) without decoding an
// actual media file.
func audioPostcheck(env *envelope.Envelope, payload fingerprint.Payload, workspaceRoot string) (Result, error) {
	start := time.Now()

	dataHex, _ := payload["data_hex"].(string)
	if dataHex == "" {
		return Result{}, apperrors.New(apperrors.KindInvalidInput, "payload.data_hex is required")
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.KindInvalidInput, "payload.data_hex must be valid hex", err)
	}
	if len(data) == 0 {
		return Result{}, apperrors.New(apperrors.KindInvalidInput, "payload.data_hex must decode to non-empty bytes")
	}

	if _, err := SafeJoin(workspaceRoot, fmt.Sprintf("postcheck_%s", env.JobID)); err != nil {
		return Result{}, err
	}

	var sum int
	for _, b := range data {
		sum += int(b)
	}
	meanLevel := float64(sum) / float64(len(data))
	// Map the 0-255 mean byte level onto an LUFS-like synthetic scale; this
	// is a deterministic placeholder, not a real loudness measurement.
	lufs := -70.0 + (meanLevel/255.0)*70.0

	report := map[string]any{
		"sample_bytes": len(data),
		"mean_level":   meanLevel,
		"lufs":         lufs,
	}
	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.KindCommandFailed, "failed to marshal postcheck report", err)
	}

	return Result{
		ExitCode:   0,
		Status:     "succeeded",
		Metrics:    map[string]any{"lufs": lufs},
		Artifacts:  []ResultArtifact{{Name: "audio_postcheck.json", Data: reportJSON}},
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// frameSampling extracts a deterministic set of synthetic frame artifacts
// from declared video metadata (no real ffmpeg invocation): one artifact
// per requested sample index, each derived from the SHA-256 of
// video_path+index, plus an index manifest, mirroring the real handler's
// fps-based frame extraction and frames_index.json manifest without
// decoding actual video.
func frameSampling(env *envelope.Envelope, payload fingerprint.Payload, workspaceRoot string) (Result, error) {
	start := time.Now()

	videoPath, _ := payload["video_path"].(string)
	if videoPath == "" {
		return Result{}, apperrors.New(apperrors.KindInvalidInput, "payload.video_path is required")
	}

	frameCount := 5
	if raw, ok := payload["frame_count"]; ok {
		n, ok := raw.(float64)
		if !ok || n <= 0 {
			return Result{}, apperrors.New(apperrors.KindInvalidInput, "payload.frame_count must be a positive number")
		}
		frameCount = int(n)
	}

	if _, err := SafeJoin(workspaceRoot, fmt.Sprintf("frames_%s", env.JobID)); err != nil {
		return Result{}, err
	}

	artifacts := make([]ResultArtifact, 0, frameCount+1)
	index := make([]map[string]any, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		frame := syntheticWaveform(fmt.Sprintf("%s#%d", videoPath, i))
		name := fmt.Sprintf("frame_%06d.jpg", i+1)
		artifacts = append(artifacts, ResultArtifact{Name: name, Data: frame})
		index = append(index, map[string]any{"index": i + 1, "artifact": name})
	}

	indexJSON, err := json.MarshalIndent(map[string]any{"video_path": videoPath, "frames": index}, "", "  ")
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.KindCommandFailed, "failed to marshal frames index", err)
	}
	artifacts = append(artifacts, ResultArtifact{Name: "frames_index.json", Data: indexJSON})

	return Result{
		ExitCode:   0,
		Status:     "succeeded",
		Metrics:    map[string]any{"frames": frameCount},
		Artifacts:  artifacts,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}
