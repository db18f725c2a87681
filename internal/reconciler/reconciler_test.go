package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
	"github.com/mindburnlabs/renderdispatch/internal/receipts"
	"github.com/mindburnlabs/renderdispatch/internal/testsupport"
	"github.com/stretchr/testify/require"
)

const fakeArtifactBody = `{"lufs":-20.0}`

// fakeArtifactSHA256 is the real SHA-256 of fakeArtifactBody, so the happy
// path exercises the worker-reported-hash-matches-downloaded-bytes case
// rather than a check that's trivially satisfied by a placeholder value.
const fakeArtifactSHA256 = "6045d310ddc1d99613b0b2671327fa0b3964a51afbdbac086f36cd3283ca574d"

func fakeWorker(t *testing.T, statusSequence []string) *httptest.Server {
	return fakeWorkerWithArtifactHash(t, statusSequence, fakeArtifactSHA256)
}

func fakeWorkerWithArtifactHash(t *testing.T, statusSequence []string, reportedSHA256 string) *httptest.Server {
	t.Helper()
	var call int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /job/job1", func(w http.ResponseWriter, r *http.Request) {
		status := statusSequence[call]
		if call < len(statusSequence)-1 {
			call++
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"job": map[string]any{"status": status, "metrics": map[string]any{"lufs": -20.0}},
		})
	})
	mux.HandleFunc("GET /job/job1/artifacts", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok":        true,
			"artifacts": []map[string]any{{"path": "/x/loudness_report.json", "sha256": reportedSHA256, "size_bytes": len(fakeArtifactBody)}},
		})
	})
	mux.HandleFunc("GET /job/job1/artifacts/loudness_report.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fakeArtifactBody))
	})
	return httptest.NewServer(mux)
}

func TestReconcile_SucceedsOnTerminalStatus(t *testing.T) {
	srv := fakeWorker(t, []string{"running", "succeeded"})
	defer srv.Close()
	node := testsupport.NodeFromServer(t, srv, "w1")

	rec := New(nil, "secret", receipts.NewStore(t.TempDir()), 10*time.Millisecond, time.Second)
	got, err := rec.Reconcile(context.Background(), node, "run1", "job1", "AUDIO_POSTCHECK", "0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, "succeeded", got.Status)
	require.Equal(t, 0, got.ExitCode)
	require.Len(t, got.Artifacts, 1)
}

func TestReconcile_FailsOnArtifactHashMismatch(t *testing.T) {
	srv := fakeWorkerWithArtifactHash(t, []string{"succeeded"}, "0000000000000000000000000000000000000000000000000000000000000000")
	defer srv.Close()
	node := testsupport.NodeFromServer(t, srv, "w1")

	store := receipts.NewStore(t.TempDir())
	rec := New(nil, "secret", store, 10*time.Millisecond, time.Second)
	got, err := rec.Reconcile(context.Background(), node, "run1", "job1", "AUDIO_POSTCHECK", "0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, "failed", got.Status)
	require.Equal(t, string(apperrors.KindArtifactHashMismatch), got.ErrorCode)

	stored, err := store.ReadReceipt("run1", "job1")
	require.NoError(t, err)
	require.Equal(t, "failed", stored.Status)
	require.Equal(t, string(apperrors.KindArtifactHashMismatch), stored.ErrorCode)
}

func TestReconcile_TimesOutIfNeverTerminal(t *testing.T) {
	srv := fakeWorker(t, []string{"running"})
	defer srv.Close()
	node := testsupport.NodeFromServer(t, srv, "w1")

	rec := New(nil, "secret", receipts.NewStore(t.TempDir()), 5*time.Millisecond, 30*time.Millisecond)
	_, err := rec.Reconcile(context.Background(), node, "run1", "job1", "AUDIO_POSTCHECK", "0123456789abcdef")
	require.Error(t, err)
}
