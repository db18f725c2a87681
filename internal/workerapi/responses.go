package workerapi

import (
	"encoding/json"
	"net/http"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
)

// writeOK writes a {ok:true, ...} JSON body with the given status code.
// Spec §6: "Responses on success: {ok: true, ...}".
func writeOK(w http.ResponseWriter, status int, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["ok"] = true
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeFail writes a {ok:false, error:{code,detail}} JSON body. Spec §6's
// status-semantics map (401 AUTH_FAILED, 403 ENVELOPE_MISMATCH, 404
// NOT_FOUND, 400 MALFORMED, 500 INTERNAL) is applied by statusForKind.
func writeFail(w http.ResponseWriter, kind apperrors.Kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":   string(kind),
			"detail": detail,
		},
	})
}

// writeErr writes a failure response derived from err, extracting its Kind
// if it is an *apperrors.Error and falling back to KindInternal otherwise.
func writeErr(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	writeFail(w, kind, err.Error())
}

// statusForKind maps an error kind to the HTTP status spec §6 assigns it.
// Kinds outside the explicit table default to 500, matching the spec's
// "unmapped internal failures surface as 500 INTERNAL" convention.
func statusForKind(kind apperrors.Kind) int {
	switch kind {
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	case apperrors.KindAuthFailed:
		return http.StatusUnauthorized
	case apperrors.KindEnvelopeMismatch:
		return http.StatusForbidden
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindMalformed, apperrors.KindMalformedEnvelope, apperrors.KindInvalidInput,
		apperrors.KindInputsHashShort, apperrors.KindTimestampSkew, apperrors.KindInvalidTimestamp,
		apperrors.KindStepUnsupported, apperrors.KindPathEscape, apperrors.KindInvalidOutputDir:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
