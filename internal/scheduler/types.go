// Package scheduler implements the controller-side submit-job operation
// (spec §4.8, component C8): requirement matching against cached worker
// capabilities, a deterministic two-attempt retry loop across candidates,
// a fatal STEP_UNSUPPORTED short-circuit, and remote-to-local fallback.
package scheduler

import "github.com/mindburnlabs/renderdispatch/internal/receipts"

// Request is a submit-job call. Spec §4.8's signature.
type Request struct {
	RunID              string
	JobID              string
	StepName           string
	Payload            map[string]any
	Requirements       map[string]any
	InputsHash         string // computed from Payload if empty
	Force              bool
	AllowLocalFallback bool
}

// Result is what Submit returns on any outcome, spec §4.8's "SubmitResult".
type Result struct {
	Mode        receipts.Mode
	NodeID      string
	ReceiptPath string
	Idempotent  bool
	CachedJobID string
	Status      string
	ExitCode    int
	Message     string
}
