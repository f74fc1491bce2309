package runpod

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind tells the caller what to do with a failed request
type ErrorKind int

const (
	// KindTerminal means the request failed and must not be retried
	KindTerminal ErrorKind = iota
	// KindRetryable means the failure was transient; the client retries these itself
	KindRetryable
	// KindTryNextCandidate means the provider has no capacity for the requested
	// GPU type right now; the caller should move on to a different offer
	KindTryNextCandidate
)

func (k ErrorKind) String() string {
	switch k {
	case KindTerminal:
		return "Terminal"
	case KindRetryable:
		return "Retryable"
	case KindTryNextCandidate:
		return "TryNextCandidate"
	default:
		return "Unknown"
	}
}

const (
	maxErrorBody    = 200
	maxCapacityBody = 100
)

var capacityMarkers = []string{
	"no longer any instances available",
	"no instances available",
}

// APIError is returned for every failed REST or GraphQL call
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Kind == KindTryNextCandidate:
		return fmt.Sprintf("no instances available: %s", e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("API request failed (%d): %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("API request failed: %v", e.Err)
	default:
		return fmt.Sprintf("API request failed: %s", e.Body)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Errors that did not come from the client are terminal.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTerminal
}

// IsCapacityExhausted reports whether err signals that no instances of the
// requested GPU type are available
func IsCapacityExhausted(err error) bool {
	return err != nil && KindOf(err) == KindTryNextCandidate
}

// IsClientError reports whether err is a 4xx response that asking again
// cannot fix. Request timeouts and rate limiting do not count.
func IsClientError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.StatusCode
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

func isCapacityBody(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range capacityMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
