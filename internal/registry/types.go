// Package registry implements the worker node registry (spec §4.4,
// component C4): loading enabled worker nodes from configuration,
// health-probing them, caching published capability reports, and matching
// requirement mappings against those reports.
package registry

import (
	"fmt"
	"time"
)

// Node is an immutable worker node record, loaded once from configuration.
// Spec §3.
type Node struct {
	NodeID     string   `json:"node_id"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	Role       string   `json:"role"`
	Enabled    bool     `json:"enabled"`
	TimeoutSec float64  `json:"timeout_sec"`
	Tags       []string `json:"tags,omitempty"`
}

// RoleWorker is the only role the scheduler will ever dispatch jobs to.
const RoleWorker = "worker"

// BaseURL derives the node's HTTP base URL from host and port.
func (n Node) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", n.Host, n.Port)
}

// Timeout returns the per-node request timeout, defaulting to 30s when
// unset or non-positive.
func (n Node) Timeout() time.Duration {
	if n.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(n.TimeoutSec * float64(time.Second))
}

// IsEligibleWorker reports whether n should be considered by the scheduler
// at all: enabled and role == "worker".
func (n Node) IsEligibleWorker() bool {
	return n.Enabled && n.Role == RoleWorker
}

// Capabilities is the free-form report a worker publishes about itself.
// Spec §3: OS, CPU model, RAM GB, GPU presence + VRAM GB, supported step
// names, arbitrary tool-availability flags.
type Capabilities map[string]any

// SupportedSteps extracts the normalized "supported_steps" list from a
// capability report, tolerating its absence (legacy workers that predate
// the field).
func (c Capabilities) SupportedSteps() []string {
	raw, ok := c["supported_steps"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		if strs, ok := raw.([]string); ok {
			return strs
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Supports reports whether step appears in the report's supported_steps.
// A worker on a legacy contract that omits supported_steps entirely is
// treated as NOT supporting anything, forcing the scheduler to fall through
// (spec §4.8: "Check step-support via cached caps; if the worker is on a
// legacy contract missing the step, record STEP_UNSUPPORTED").
func (c Capabilities) Supports(step string) bool {
	for _, s := range c.SupportedSteps() {
		if normalizeStep(s) == normalizeStep(step) {
			return true
		}
	}
	return false
}

func normalizeStep(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		out[i] = b
	}
	return string(out)
}

// HealthResult is one worker's health-probe outcome.
type HealthResult struct {
	NodeID string `json:"node_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// HealthReport aggregates per-worker health results. Spec §4.4:
// "{ok: any-true, workers: [...]}".
type HealthReport struct {
	OK      bool           `json:"ok"`
	Workers []HealthResult `json:"workers"`
}
