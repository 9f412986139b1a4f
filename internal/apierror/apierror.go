// Package apierror defines the typed failure surface of the external
// Instagram and Twitter collaborators. Callers branch on two classes:
// authorization failures, which are fatal for the run because the same
// credentials will fail again, and transient failures (rate limits,
// timeouts, server errors), which are recovered by the next scheduled
// run rather than retried in process.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a failed external API call. Component names the collaborator
// ("InstagramAPI", "TwitterAPI"); StatusCode is the HTTP status, or 0 for
// network-level failures; Body carries a truncated response body for
// debugging.
type Error struct {
	Component  string
	Message    string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Component, e.Message)
	if e.StatusCode != 0 {
		s += fmt.Sprintf(" | status_code=%d", e.StatusCode)
	}
	if e.Body != "" {
		s += fmt.Sprintf(" | response=%s", e.Body)
	}
	return s
}

// Auth reports an authorization or permission failure. Not retryable
// without operator intervention.
func (e *Error) Auth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Transient reports a failure worth re-attempting on a later run:
// rate limiting, timeouts, server-side errors, or no response at all.
func (e *Error) Transient() bool {
	if e.Auth() {
		return false
	}
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// IsAuth reports whether err (or anything it wraps) is an authorization
// failure from an external collaborator.
func IsAuth(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Auth()
}

// IsTransient reports whether err is a transient external failure.
func IsTransient(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Transient()
}

// Truncate returns the first n bytes of s, appending "..." if truncated.
// Used to keep response bodies in errors and logs readable.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
