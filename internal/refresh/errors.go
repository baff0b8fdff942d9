// Package refresh manages token refreshes: single accounts, locked batches
// with progress, the auto-refresh timer and the 401 retry wrapper.
package refresh

import (
	"errors"
	"strings"
)

// ErrRefreshInProgress is returned when a batch refresh is already running.
var ErrRefreshInProgress = errors.New("refresh already in progress")

// ErrTokenRefresh wraps a failed refresh inside ExecuteWithAuthRetry so
// callers can tell it apart from upstream failures.
var ErrTokenRefresh = errors.New("token refresh failed")

// IsAuthError reports whether the error text looks like an expired or
// rejected credential. The Chinese phrases come from the Kiro endpoints.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return IsAuthErrorText(err.Error())
}

// IsAuthErrorText is IsAuthError over raw response text.
func IsAuthErrorText(text string) bool {
	if strings.Contains(text, "401") {
		return true
	}
	lowered := strings.ToLower(text)
	if strings.Contains(lowered, "unauthorized") {
		return true
	}
	return strings.Contains(text, "凭证已过期") || strings.Contains(text, "需要重新登录")
}

// IsRateLimitError reports whether the error text looks like a 429.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	return IsRateLimitErrorText(err.Error())
}

// IsRateLimitErrorText is IsRateLimitError over raw response text.
func IsRateLimitErrorText(text string) bool {
	if strings.Contains(text, "429") {
		return true
	}
	if strings.Contains(strings.ToLower(text), "rate limit") {
		return true
	}
	return strings.Contains(text, "请求过于频繁")
}
