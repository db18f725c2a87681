// Package apperrors defines the error-kind taxonomy shared by every
// component of the dispatch core. Handlers, the envelope codec, the
// scheduler and the reconciler all report failures as a *Error carrying one
// of the Kind constants below, so callers can switch on Kind instead of
// string-matching error text.
package apperrors

import "fmt"

// Kind is a short, stable, uppercase error classification token. Kinds are
// part of the wire contract (spec §6: failure responses carry
// {error:{code,detail}}) so they must never be renamed once shipped.
type Kind string

const (
	KindMissingSecret        Kind = "MISSING_SECRET"
	KindInvalidTimestamp     Kind = "INVALID_TIMESTAMP"
	KindMalformedEnvelope    Kind = "MALFORMED_ENVELOPE"
	KindStepUnsupported      Kind = "STEP_UNSUPPORTED"
	KindTimestampSkew        Kind = "TIMESTAMP_SKEW"
	KindInputsHashShort      Kind = "INPUTS_HASH_SHORT"
	KindAuthFailed           Kind = "AUTH_FAILED"
	KindNotFound             Kind = "NOT_FOUND"
	KindEnvelopeMismatch     Kind = "ENVELOPE_MISMATCH"
	KindPathEscape           Kind = "PATH_ESCAPE"
	KindInvalidOutputDir     Kind = "INVALID_OUTPUT_DIR"
	KindCommandFailed        Kind = "COMMAND_FAILED"
	KindInvalidInput         Kind = "INVALID_INPUT"
	KindUnhandledException   Kind = "UNHANDLED_EXCEPTION"
	KindNoEligibleWorker     Kind = "NO_ELIGIBLE_WORKER"
	KindRemoteSubmitFailed   Kind = "REMOTE_SUBMIT_FAILED"
	KindTimeout              Kind = "TIMEOUT"
	KindCapsUnavailable      Kind = "CAPS_UNAVAILABLE"
	KindArtifactHashMismatch Kind = "ARTIFACT_HASH_MISMATCH"
	KindMalformed            Kind = "MALFORMED"
	KindInternal             Kind = "INTERNAL"
	KindConfigInvalid        Kind = "CONFIG_INVALID"
)

// Error is the structured error type surfaced across component boundaries.
// It deliberately carries no stack trace or internal detail in Message when
// Kind is KindAuthFailed, spec §4.1 requires auth failures not leak which
// subcheck failed.
type Error struct {
	Kind    Kind
	Message string
	// Cause is retained for logging but intentionally not included in
	// Error() so it never leaks to an HTTP client through %s/%v formatting
	// of the wire response.
	Cause error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, apperrors.New(kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, otherwise
// returns KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if as(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
