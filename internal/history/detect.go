package history

import "strings"

// IsContentLengthError reports whether an upstream rejection complains
// about input size rather than anything credential- or quota-related.
func IsContentLengthError(errText string) bool {
	if strings.Contains(errText, "CONTENT_LENGTH_EXCEEDS_THRESHOLD") {
		return true
	}
	if strings.Contains(errText, "Input is too long") {
		return true
	}
	lowered := strings.ToLower(errText)
	if strings.Contains(lowered, "too long") &&
		(strings.Contains(lowered, "input") || strings.Contains(lowered, "content") || strings.Contains(lowered, "message")) {
		return true
	}
	return strings.Contains(lowered, "context length") || strings.Contains(lowered, "token limit")
}
