// Package fingerprint computes the deterministic idempotency key used
// throughout the dispatch core: the SHA-256 hex digest of the canonical
// JSON form of a job payload. Spec §4.2.
package fingerprint

import "github.com/mindburnlabs/renderdispatch/internal/canonicalize"

// Payload is the opaque string-to-JSON-value mapping carried alongside an
// envelope (spec §3).
type Payload map[string]any

// Of returns the lowercase hex SHA-256 fingerprint of payload's canonical
// JSON form. It is deterministic: reordering keys or round-tripping the
// payload through JSON never changes the result.
func Of(payload Payload) (string, error) {
	return canonicalize.Hash(payload)
}
