// Package dispatch implements the typed job-executor registry (spec §4.5,
// component C5): a closed table mapping step_name to a handler, invoked
// synchronously by both the worker queue (internal/queue) and the local
// fallback executor (internal/localexec) so the two paths share identical
// execution semantics.
package dispatch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
	"github.com/mindburnlabs/renderdispatch/internal/envelope"
	"github.com/mindburnlabs/renderdispatch/internal/fingerprint"
)

// Result is what a handler returns on success. Spec §6 executor contract.
type Result struct {
	ExitCode   int
	Status     string
	Metrics    map[string]any
	Artifacts  []ResultArtifact
	DurationMS int64
}

// ResultArtifact is a handler-produced output file before it has been
// persisted by the receipt store (which assigns the final on-disk path and
// computes SHA-256 independently).
type ResultArtifact struct {
	Name string
	Data []byte
}

// Handler executes one step. It receives the validated envelope, the raw
// payload, and a workspace root directory it may use for scratch output.
// Failure is reported as an *apperrors.Error; handlers must never panic.
// The queue runner recovers panics into KindUnhandledException, but a
// well-behaved handler returns a structured error instead.
type Handler func(env *envelope.Envelope, payload fingerprint.Payload, workspaceRoot string) (Result, error)

// Table is the closed step_name -> Handler registry.
type Table struct {
	handlers map[string]Handler
}

// NewTable builds an empty dispatch table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Register binds step (normalized upper-case) to handler. Re-registering a
// step overwrites the previous handler, callers register once at startup.
func (t *Table) Register(step string, handler Handler) {
	t.handlers[envelope.Normalize(step)] = handler
}

// Steps returns the normalized step names currently registered, used to
// build the worker's allowed-steps set.
func (t *Table) Steps() []string {
	steps := make([]string, 0, len(t.handlers))
	for step := range t.handlers {
		steps = append(steps, step)
	}
	return steps
}

// Supports reports whether step has a registered handler.
func (t *Table) Supports(step string) bool {
	_, ok := t.handlers[envelope.Normalize(step)]
	return ok
}

// Dispatch invokes the handler registered for env.StepName, converting an
// unknown step into KindStepUnsupported.
func (t *Table) Dispatch(env *envelope.Envelope, payload fingerprint.Payload, workspaceRoot string) (Result, error) {
	handler, ok := t.handlers[env.StepName]
	if !ok {
		return Result{}, apperrors.New(apperrors.KindStepUnsupported, fmt.Sprintf("no handler registered for step %q", env.StepName))
	}
	return handler(env, payload, workspaceRoot)
}

// SafeJoin resolves rel against root and requires the result be a
// descendant of root (or root itself). Every handler must compute its
// output directory through SafeJoin. Spec §4.5 / testable property 6.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", apperrors.New(apperrors.KindInvalidOutputDir, "workspace root is empty")
	}
	cleanRoot := filepath.Clean(root)
	joined := filepath.Join(cleanRoot, rel)
	cleanJoined := filepath.Clean(joined)

	if cleanJoined != cleanRoot && !strings.HasPrefix(cleanJoined, cleanRoot+string(filepath.Separator)) {
		return "", apperrors.New(apperrors.KindInvalidOutputDir, fmt.Sprintf("path %q escapes workspace root %q", rel, root))
	}
	return cleanJoined, nil
}
