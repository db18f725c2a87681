// Package envelope implements the signed request header every authenticated
// endpoint in the dispatch core requires: canonical-JSON HMAC-SHA256 over a
// fixed five-field signing view, a replay-window timestamp check, and step
// validation against a caller-supplied closed set. See spec §4.1.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
	"github.com/mindburnlabs/renderdispatch/internal/canonicalize"
)

// DefaultSkew is the maximum allowed |now - timestamp| before a timestamp is
// rejected as replay/stale. Spec §4.1 default: 300 seconds.
const DefaultSkew = 300 * time.Second

// MinInputsHashLen is the minimum accepted length of the inputs_hash field.
const MinInputsHashLen = 16

// View is the exact signed subset of an Envelope: run_id, job_id,
// step_name, inputs_hash, timestamp. auth_token is never part of the
// signed view, see package doc and spec §3.
type View struct {
	RunID      string `json:"run_id"`
	JobID      string `json:"job_id"`
	StepName   string `json:"step_name"`
	InputsHash string `json:"inputs_hash"`
	Timestamp  string `json:"timestamp"`
}

// Envelope is a validated, signed request header.
type Envelope struct {
	View
	AuthToken string `json:"auth_token"`
}

// Sign computes the 64-hex HMAC-SHA256 of canonical-json(view) under secret.
// Fails with KindMissingSecret if secret is empty, per spec §4.1.
func Sign(secret string, view View) (string, error) {
	if secret == "" {
		return "", apperrors.New(apperrors.KindMissingSecret, "signing secret is empty")
	}
	canon, err := canonicalize.JSON(view)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindMalformedEnvelope, "failed to canonicalize signing view", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether token is a valid HMAC-SHA256 of canonical-json(view)
// under secret, using a constant-time comparison on the lowercased hex
// strings. An empty token is always rejected.
func Verify(secret string, view View, token string) bool {
	if token == "" || secret == "" {
		return false
	}
	expected, err := Sign(secret, view)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(strings.ToLower(expected)), []byte(strings.ToLower(token)))
}

// ParseTimestamp parses an ISO-8601 UTC timestamp, accepting both a
// trailing "Z" and a "+00:00" offset.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05Z", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, apperrors.New(apperrors.KindInvalidTimestamp, fmt.Sprintf("cannot parse timestamp %q", s))
}

// StepSet is a closed set of normalized (upper-case) step names.
type StepSet map[string]bool

// NewStepSet builds a StepSet from a list of step names, normalizing each.
func NewStepSet(steps ...string) StepSet {
	set := make(StepSet, len(steps))
	for _, s := range steps {
		set[Normalize(s)] = true
	}
	return set
}

// Normalize upper-cases and trims a step name token.
func Normalize(step string) string {
	return strings.ToUpper(strings.TrimSpace(step))
}

// Validate checks the five view fields are present, step_name is a member
// of allowedSteps, inputs_hash is long enough, and the timestamp is within
// skew of now. It returns a normalized Envelope on success.
func Validate(view View, authToken string, allowedSteps StepSet, skew time.Duration, now time.Time) (*Envelope, error) {
	if view.RunID == "" || view.JobID == "" || view.StepName == "" || view.InputsHash == "" || view.Timestamp == "" {
		return nil, apperrors.New(apperrors.KindMalformedEnvelope, "one or more required envelope fields are empty")
	}

	step := Normalize(view.StepName)
	if !allowedSteps[step] {
		return nil, apperrors.New(apperrors.KindStepUnsupported, fmt.Sprintf("step %q is not supported on this endpoint", step))
	}

	if len(view.InputsHash) < MinInputsHashLen {
		return nil, apperrors.New(apperrors.KindInputsHashShort, fmt.Sprintf("inputs_hash must be at least %d characters", MinInputsHashLen))
	}

	ts, err := ParseTimestamp(view.Timestamp)
	if err != nil {
		return nil, err
	}
	if skew <= 0 {
		skew = DefaultSkew
	}
	delta := now.UTC().Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > skew {
		return nil, apperrors.New(apperrors.KindTimestampSkew, fmt.Sprintf("timestamp %s is outside the %s skew window", view.Timestamp, skew))
	}

	normalized := View{
		RunID:      view.RunID,
		JobID:      view.JobID,
		StepName:   step,
		InputsHash: strings.ToLower(view.InputsHash),
		Timestamp:  view.Timestamp,
	}
	return &Envelope{View: normalized, AuthToken: authToken}, nil
}

// RequireValidAuth validates the envelope and verifies its HMAC in one step.
// Any failure, structural or cryptographic, collapses to a single
// KindAuthFailed error so callers never learn which subcheck failed
// (spec §4.1: "do not leak which subcheck failed").
func RequireValidAuth(secret string, view View, authToken string, allowedSteps StepSet, skew time.Duration, now time.Time) (*Envelope, error) {
	env, err := Validate(view, authToken, allowedSteps, skew, now)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindAuthFailed, "envelope authentication failed", err)
	}
	if !Verify(secret, env.View, authToken) {
		return nil, apperrors.New(apperrors.KindAuthFailed, "envelope authentication failed")
	}
	return env, nil
}
