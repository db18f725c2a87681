// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// compliant serializations for deterministic hashing and signing across the
// dispatch core: envelope signing views (internal/envelope), payload
// fingerprints (internal/fingerprint), and receipt persistence
// (internal/receipts) all route through JSON(v) so two components never
// disagree on what "the same bytes" means.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JSON returns the canonical JSON representation of v: sorted keys, compact
// separators, UTF-8, no trailing whitespace. v is first marshaled with the
// standard encoder (so struct tags are respected) and then transformed into
// RFC 8785 canonical form.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return canon, nil
}

// Hash returns the lowercase hex SHA-256 digest of the canonical JSON
// representation of v.
func Hash(v any) (string, error) {
	canon, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canon), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of raw.
func HashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
