package receipts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteReceipt_AtomicNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	r := &Receipt{RunID: "run1", JobID: "job1", Status: "succeeded", CreatedAt: time.Now()}
	require.NoError(t, s.WriteReceipt(r))

	path := s.ReceiptPath("run1", "job1")
	_, err := os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	read, err := s.ReadReceipt("run1", "job1")
	require.NoError(t, err)
	require.Equal(t, "succeeded", read.Status)
}

func TestReadReceipt_NotFound(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.ReadReceipt("missing", "missing")
	require.Error(t, err)
}

func TestSafeArtifactName_RejectsEscape(t *testing.T) {
	dir := t.TempDir()
	_, err := SafeArtifactName(dir, "../../etc/passwd")
	// Separators are flattened to underscores first, so this degrades to a
	// harmless filename.
	require.NoError(t, err)

	_, err = SafeArtifactName(dir, "/etc/passwd")
	require.NoError(t, err) // leading slash also flattens to "_etc_passwd"

	// A bare ".." has no separator to flatten and resolves to dir's parent.
	_, err = SafeArtifactName(dir, "..")
	require.Error(t, err)
}

func TestSafeArtifactName_FlattensSeparators(t *testing.T) {
	dir := t.TempDir()
	path, err := SafeArtifactName(dir, "sub/dir/file.wav")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "sub_dir_file.wav"), path)
}

func TestWriteArtifact_ComputesSHA256(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	art, err := s.WriteArtifact("run1", "job1", "out.wav", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(5), art.SizeBytes)
	require.Len(t, art.SHA256, 64)

	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestLocalCache_RoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	entry := LocalCacheEntry{Success: true, Status: "succeeded", ExitCode: 0, ReceiptPath: "/x/job_receipt.json"}
	require.NoError(t, s.WriteLocalCacheEntry("TTS_RENDER_CHUNKS", "abc123", entry))

	got, ok, err := s.ReadLocalCacheEntry("TTS_RENDER_CHUNKS", "abc123")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry, got)

	_, ok, err = s.ReadLocalCacheEntry("TTS_RENDER_CHUNKS", "doesnotexist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppendLogLine_AppendsLines(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.AppendLogLine("run1", "job1", LogEvent{Event: "queued", Level: "info", Message: "m1"}))
	require.NoError(t, s.AppendLogLine("run1", "job1", LogEvent{Event: "running", Level: "info", Message: "m2"}))

	data, err := os.ReadFile(s.LogPath("run1", "job1"))
	require.NoError(t, err)
	require.Contains(t, string(data), "m1")
	require.Contains(t, string(data), "m2")
}
