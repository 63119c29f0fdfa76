package resfetch

import "fmt"

// RecoveryError is returned when every network attempt and the cache
// fallback failed for a resource.
type RecoveryError struct {
	URL      string
	Attempts int
	Reason   string // "unreachable"
	Last     error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("resfetch: %s: %s after %d attempt(s)", e.Reason, e.URL, e.Attempts)
}

func (e *RecoveryError) Unwrap() error { return e.Last }

// TransientNetworkError describes a single failed attempt. It is logged and
// retried, never returned to callers directly.
type TransientNetworkError struct {
	URL     string
	Attempt int
	Status  int
	Err     error
}

func (e *TransientNetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resfetch: attempt %d %s: %v", e.Attempt, e.URL, e.Err)
	}
	return fmt.Sprintf("resfetch: attempt %d %s: status %d", e.Attempt, e.URL, e.Status)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }
