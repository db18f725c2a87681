package queue

// IsTerminalPollStatus reports whether status is one of the two states a
// poll loop should stop on. Spec §4.9: "Terminal statuses: succeeded,
// failed."
func IsTerminalPollStatus(status string) bool {
	return status == string(StatusSucceeded) || status == string(StatusFailed)
}

// ClassifySuccess applies the success-classification rule spec §4.9 requires
// be "applied identically by worker and reconciler": succeeded is success;
// failed/error/cancelled are failure; the legacy completed alias is success
// only if neither hasError nor resultStatus names a failure; anything else
// is failure.
func ClassifySuccess(status string, hasError bool, resultStatus string) bool {
	switch status {
	case "succeeded":
		return true
	case "failed", "error", "cancelled":
		return false
	case "completed":
		if hasError {
			return false
		}
		switch resultStatus {
		case "error", "failed", "failure":
			return false
		default:
			return true
		}
	default:
		return false
	}
}

// NormalizeExitCode derives an exit code when the remote record did not
// supply one: 0 on success, 1 on failure.
func NormalizeExitCode(provided *int, success bool) int {
	if provided != nil {
		return *provided
	}
	if success {
		return 0
	}
	return 1
}
