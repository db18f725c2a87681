package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
	"github.com/mindburnlabs/renderdispatch/internal/envelope"
)

// StepRegisterCaps is the fixed step name the /caps endpoint expects in its
// envelope. Spec §4.7.
const StepRegisterCaps = "REGISTER_CAPS"

// Registry holds the configured worker nodes and a cache of their last
// published capability reports. The cache is the only mutable state, so it
// is the only thing the mutex protects, grounded on
// core/pkg/registry/registry.go's sync.RWMutex-guarded in-memory map.
type Registry struct {
	secret string
	client *http.Client

	mu    sync.RWMutex
	nodes []Node
	caps  map[string]Capabilities
}

// New builds a Registry over the full node list; callers typically pass the
// output of Load. secret signs outbound register_caps requests.
func New(nodes []Node, secret string, client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Registry{
		secret: secret,
		client: client,
		nodes:  nodes,
		caps:   make(map[string]Capabilities),
	}
}

// Load filters a raw node document down to enabled workers, per spec §4.4:
// "returns only those that are enabled and of role worker".
func Load(all []Node) []Node {
	out := make([]Node, 0, len(all))
	for _, n := range all {
		if n.IsEligibleWorker() {
			out = append(out, n)
		}
	}
	return out
}

// Workers returns the registry's configured worker nodes in declaration
// order. The scheduler relies on this order for its deterministic
// candidate tie-break (spec §4.8).
func (r *Registry) Workers() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Healthcheck probes every worker's /health endpoint with its own timeout
// and aggregates the results. Per-node failures are captured in the result,
// never returned as an error from this call.
func (r *Registry) Healthcheck(ctx context.Context) HealthReport {
	workers := r.Workers()
	results := make([]HealthResult, len(workers))

	var wg sync.WaitGroup
	for i, node := range workers {
		wg.Add(1)
		go func(i int, node Node) {
			defer wg.Done()
			results[i] = r.probeOne(ctx, node)
		}(i, node)
	}
	wg.Wait()

	report := HealthReport{Workers: results}
	for _, res := range results {
		if res.OK {
			report.OK = true
			break
		}
	}
	return report
}

func (r *Registry) probeOne(ctx context.Context, node Node) HealthResult {
	reqCtx, cancel := context.WithTimeout(ctx, node.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, node.BaseURL()+"/health", nil)
	if err != nil {
		return HealthResult{NodeID: node.NodeID, OK: false, Error: err.Error()}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return HealthResult{NodeID: node.NodeID, OK: false, Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return HealthResult{NodeID: node.NodeID, OK: false, Error: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
	return HealthResult{NodeID: node.NodeID, OK: true}
}

// registerCapsRequest is the wire body POSTed to a worker's /caps endpoint.
type registerCapsRequest struct {
	MessageType string         `json:"message_type"`
	RunID       string         `json:"run_id"`
	JobID       string         `json:"job_id"`
	StepName    string         `json:"step_name"`
	InputsHash  string         `json:"inputs_hash"`
	Timestamp   string         `json:"timestamp"`
	AuthToken   string         `json:"auth_token"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// RegisterCaps signs and POSTs a register_caps message to node, caching the
// returned capability report. The run_id/job_id are synthetic probe
// identifiers (not tied to any actual job) since this is a registry-level
// handshake, not a job submission.
func (r *Registry) RegisterCaps(ctx context.Context, node Node, now time.Time) (Capabilities, error) {
	view := envelope.View{
		RunID:      "registry-probe",
		JobID:      fmt.Sprintf("caps-%s-%d", node.NodeID, now.UnixNano()),
		StepName:   StepRegisterCaps,
		InputsHash: strings.Repeat("0", envelope.MinInputsHashLen),
		Timestamp:  now.UTC().Format(time.RFC3339),
	}
	token, err := envelope.Sign(r.secret, view)
	if err != nil {
		return nil, err
	}

	body := registerCapsRequest{
		MessageType: "register_caps",
		RunID:       view.RunID,
		JobID:       view.JobID,
		StepName:    view.StepName,
		InputsHash:  view.InputsHash,
		Timestamp:   view.Timestamp,
		AuthToken:   token,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to marshal register_caps body", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, node.Timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, node.BaseURL()+"/caps", bytes.NewReader(encoded))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindCapsUnavailable, "failed to build register_caps request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindCapsUnavailable, fmt.Sprintf("worker %s unreachable", node.NodeID), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperrors.New(apperrors.KindCapsUnavailable, fmt.Sprintf("worker %s rejected register_caps authentication", node.NodeID))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.KindCapsUnavailable, fmt.Sprintf("worker %s returned status %d for register_caps", node.NodeID, resp.StatusCode))
	}

	var wire struct {
		OK   bool         `json:"ok"`
		Caps Capabilities `json:"caps"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, apperrors.Wrap(apperrors.KindCapsUnavailable, fmt.Sprintf("worker %s returned malformed caps body", node.NodeID), err)
	}
	if !wire.OK {
		return nil, apperrors.New(apperrors.KindCapsUnavailable, fmt.Sprintf("worker %s returned ok=false for register_caps", node.NodeID))
	}

	r.mu.Lock()
	r.caps[node.NodeID] = wire.Caps
	r.mu.Unlock()

	return wire.Caps, nil
}

// CachedCaps returns the last capability report successfully registered for
// nodeID, if any.
func (r *Registry) CachedCaps(nodeID string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.caps[nodeID]
	return caps, ok
}

// Match evaluates requirements against a published capability report. It
// recognizes exactly five keys: os_in, min_ram_gb, min_vram_gb,
// gpu_required, davinci_available. Unknown keys are ignored (forward
// compatibility with richer requirement documents the scheduler doesn't
// enforce itself). Spec §4.4.
func Match(caps Capabilities, requirements map[string]any) (bool, string) {
	if osIn, ok := requirements["os_in"]; ok {
		allowed, ok := toStringSlice(osIn)
		if !ok {
			return false, "os_in=invalid"
		}
		capsOS, _ := caps["os"].(string)
		if !containsFold(allowed, capsOS) {
			return false, fmt.Sprintf("os=%s", capsOS)
		}
	}

	if minRAM, ok := requirements["min_ram_gb"]; ok {
		want, ok := toFloat(minRAM)
		capRAM, capOK := toFloat(caps["ram_gb"])
		if !ok || !capOK || capRAM < want {
			return false, fmt.Sprintf("min_ram_gb=%v", minRAM)
		}
	}

	if minVRAM, ok := requirements["min_vram_gb"]; ok {
		want, ok := toFloat(minVRAM)
		capVRAM, capOK := toFloat(caps["vram_gb"])
		if !ok || !capOK || capVRAM < want {
			return false, fmt.Sprintf("min_vram_gb=%v", minVRAM)
		}
	}

	if gpuRequired, ok := requirements["gpu_required"]; ok {
		want, _ := gpuRequired.(bool)
		gotGPU, _ := caps["gpu"].(bool)
		if want && !gotGPU {
			return false, "gpu_required=true"
		}
	}

	if davinci, ok := requirements["davinci_available"]; ok {
		want, _ := davinci.(bool)
		got, _ := caps["davinci_available"].(bool)
		if want && !got {
			return false, "davinci_available=true"
		}
	}

	return true, ""
}

func toStringSlice(v any) ([]string, bool) {
	list, ok := v.([]any)
	if !ok {
		if strs, ok := v.([]string); ok {
			return strs, true
		}
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
