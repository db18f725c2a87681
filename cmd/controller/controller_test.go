package main

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeWorker(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "worker": "healthy"})
	})
	mux.HandleFunc("POST /caps", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"caps": map[string]any{"os": "linux", "supported_steps": []string{"AUDIO_POSTCHECK"}},
		})
	})
	mux.HandleFunc("POST /job", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "idempotent": false})
	})
	mux.HandleFunc("GET /job/job1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "job": map[string]any{"status": "succeeded", "exit_code": 0}})
	})
	mux.HandleFunc("GET /job/job1/artifacts", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "artifacts": []map[string]any{}})
	})
	return httptest.NewServer(mux)
}

func writeTestConfig(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.json")
	doc := map[string]any{
		"state_dir": filepath.Join(dir, "state"),
		"nodes": []map[string]any{
			{"node_id": "w1", "host": host, "port": port, "role": "worker", "enabled": true},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestRun_HealthReportsConfiguredWorker(t *testing.T) {
	srv := fakeWorker(t)
	defer srv.Close()
	configPath := writeTestConfig(t, srv)

	var stdout, stderr bytes.Buffer
	code := run([]string{"health", "--config", configPath, "--secret", "s3cr3t"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), `"ok":true`)
}

func TestRun_SubmitSucceedsRemotely(t *testing.T) {
	srv := fakeWorker(t)
	defer srv.Close()
	configPath := writeTestConfig(t, srv)

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"submit", "--config", configPath, "--secret", "s3cr3t",
		"--run-id", "run1", "--job-id", "job1", "--step-name", "AUDIO_POSTCHECK",
		"--payload-json", `{"data_hex":"0a141e"}`,
	}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), `"status":"succeeded"`)
}

func TestRun_UnknownCommandIsUsageError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"bogus"}, &stdout, &stderr)
	require.Equal(t, 3, code)
}

func TestRun_MissingConfigFlagIsUsageError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"health"}, &stdout, &stderr)
	require.Equal(t, 3, code)
}
