package scheduler

import (
	"errors"
	"time"
)

var (
	ErrNotStarted = errors.New("scheduler not started")
	ErrStopped    = errors.New("scheduler stopped")
)

// NoRetry marks a delivery error as permanent, e.g. the recipient blocked
// the bot. The scheduler gives up on the reminder immediately.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsNoRetry reports whether err was marked with NoRetry.
func IsNoRetry(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// retryAfterHint is implemented by dispatcher errors that carry the wait
// the remote side asked for.
type retryAfterHint interface {
	RetryAfter() time.Duration
}

func suggestedDelay(err error) (time.Duration, bool) {
	var h retryAfterHint
	if errors.As(err, &h) && h.RetryAfter() > 0 {
		return h.RetryAfter(), true
	}
	return 0, false
}
