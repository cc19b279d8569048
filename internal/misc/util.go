package misc

import "strings"

func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "no documents in result")
}

// ValidDeviceName reports whether a device name is usable as a record field:
// non-empty after trimming and within the length the pending-approvals list
// can display.
func ValidDeviceName(name string) bool {
	trimmed := strings.TrimSpace(name)
	return trimmed != "" && len(trimmed) <= 120
}
