package services

import (
	"time"

	"github.com/pkg/errors"
)

// RetryPolicy decides when a failed event is attempted again
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultRetryPolicy returns 5 attempts with a 10s, 30s, 2m, 10m schedule
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff:     []time.Duration{10 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute},
	}
}

// NextDelay returns the delay after the given failed attempt (1-indexed).
// Attempts past the end of the schedule reuse its last entry.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// NextAttemptAt returns when a failed attempt is retried, or nil when the
// attempt budget is spent and the event is dead-lettered.
func (p RetryPolicy) NextAttemptAt(attempt int, now time.Time) *time.Time {
	if attempt >= p.MaxAttempts {
		return nil
	}
	at := now.Add(p.NextDelay(attempt))
	return &at
}

// PermanentError marks a failure that no retry can fix, such as a malformed
// stored payload. It still counts against the attempt budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

// Cause returns the wrapped error
func (e *PermanentError) Cause() error {
	return e.Err
}

// Unwrap returns the wrapped error
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
