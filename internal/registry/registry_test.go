package registry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_FiltersDisabledAndNonWorkers(t *testing.T) {
	all := []Node{
		{NodeID: "w1", Role: "worker", Enabled: true},
		{NodeID: "w2", Role: "worker", Enabled: false},
		{NodeID: "c1", Role: "controller", Enabled: true},
	}
	got := Load(all)
	require.Len(t, got, 1)
	require.Equal(t, "w1", got[0].NodeID)
}

func TestMatch_AllKeysSatisfied(t *testing.T) {
	caps := Capabilities{
		"os":                "Linux",
		"ram_gb":            64.0,
		"vram_gb":           24.0,
		"gpu":               true,
		"davinci_available": true,
	}
	reqs := map[string]any{
		"os_in":              []any{"linux", "darwin"},
		"min_ram_gb":         32.0,
		"min_vram_gb":        16.0,
		"gpu_required":       true,
		"davinci_available":  true,
	}
	ok, reason := Match(caps, reqs)
	require.True(t, ok)
	require.Empty(t, reason)
}

func TestMatch_OSMismatch(t *testing.T) {
	caps := Capabilities{"os": "windows"}
	ok, reason := Match(caps, map[string]any{"os_in": []any{"linux"}})
	require.False(t, ok)
	require.Equal(t, "os=windows", reason)
}

func TestMatch_InsufficientRAM(t *testing.T) {
	caps := Capabilities{"ram_gb": 8.0}
	ok, reason := Match(caps, map[string]any{"min_ram_gb": 16.0})
	require.False(t, ok)
	require.Contains(t, reason, "min_ram_gb")
}

func TestMatch_GPURequiredButMissing(t *testing.T) {
	caps := Capabilities{"gpu": false}
	ok, reason := Match(caps, map[string]any{"gpu_required": true})
	require.False(t, ok)
	require.Equal(t, "gpu_required=true", reason)
}

func TestMatch_UnknownKeyIgnored(t *testing.T) {
	caps := Capabilities{}
	ok, reason := Match(caps, map[string]any{"some_future_key": "x"})
	require.True(t, ok)
	require.Empty(t, reason)
}

func TestHealthcheck_AggregatesAnyTrue(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	goodHost, goodPort := splitURL(t, good.URL)
	badHost, badPort := splitURL(t, bad.URL)

	reg := New([]Node{
		{NodeID: "good", Host: goodHost, Port: goodPort, Role: "worker", Enabled: true, TimeoutSec: 5},
		{NodeID: "bad", Host: badHost, Port: badPort, Role: "worker", Enabled: true, TimeoutSec: 5},
	}, "secret", nil)

	report := reg.Healthcheck(context.Background())
	require.True(t, report.OK)
	require.Len(t, report.Workers, 2)
}

func TestHealthcheck_AllDownReportsNotOK(t *testing.T) {
	reg := New([]Node{
		{NodeID: "nowhere", Host: "127.0.0.1", Port: 1, Role: "worker", Enabled: true, TimeoutSec: 1},
	}, "secret", nil)
	report := reg.Healthcheck(context.Background())
	require.False(t, report.OK)
	require.False(t, report.Workers[0].OK)
}

func TestRegisterCaps_CachesOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"caps": map[string]any{"os": "linux", "ram_gb": 32.0},
		})
	}))
	defer srv.Close()
	host, port := splitURL(t, srv.URL)

	node := Node{NodeID: "w1", Host: host, Port: port, Role: "worker", Enabled: true, TimeoutSec: 5}
	reg := New([]Node{node}, "secret", nil)

	caps, err := reg.RegisterCaps(context.Background(), node, time.Now())
	require.NoError(t, err)
	require.Equal(t, "linux", caps["os"])

	cached, ok := reg.CachedCaps("w1")
	require.True(t, ok)
	require.Equal(t, caps, cached)
}

func TestRegisterCaps_AuthRejectionIsCapsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	host, port := splitURL(t, srv.URL)

	node := Node{NodeID: "w1", Host: host, Port: port, Role: "worker", Enabled: true, TimeoutSec: 5}
	reg := New([]Node{node}, "secret", nil)

	_, err := reg.RegisterCaps(context.Background(), node, time.Now())
	require.Error(t, err)
}

func splitURL(t *testing.T, raw string) (string, int) {
	t.Helper()
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
