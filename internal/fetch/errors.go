package fetch

import (
	"errors"
	"fmt"
	"time"
)

// TransientError covers transport failures and 5xx responses. Callers may
// retry the request under their retry budget.
type TransientError struct {
	Status int // 0 when the failure happened below HTTP (dial, TLS, timeout)
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient: http status %d", e.Status)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a client error (4xx other than 429) that will not succeed
// on retry. It terminates the request immediately.
type PermanentError struct {
	Status int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: http status %d", e.Status)
}

// RateLimitError is a 429 response. RetryAfter carries the server's wait hint
// when one was supplied, zero otherwise.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// AbortedError is returned by the paginated fetcher when consecutive page
// failures exceed its threshold. No partial results accompany it.
type AbortedError struct {
	Page     int
	Failures int
	Err      error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("fetch aborted at page %d after %d failures: %v", e.Page, e.Failures, e.Err)
}

func (e *AbortedError) Unwrap() error { return e.Err }

// Retryable reports whether err may succeed on a later attempt. Transient
// faults and rate-limit responses are retryable; permanent client errors and
// aborts are not.
func Retryable(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// retryAfterHint extracts a server-supplied wait hint, or zero.
func retryAfterHint(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
