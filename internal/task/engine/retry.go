package engine

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	ErrStopped  = errors.New("engine: pool stopped")
	ErrStopping = errors.New("engine: pool stopping")
)

// hintError carries retry advice from a job back to the pool.
type hintError struct {
	err   error
	final bool
	after time.Duration
}

func (e *hintError) Error() string {
	if e.final {
		return e.err.Error()
	}
	return fmt.Sprintf("retry after %s: %v", e.after, e.err)
}

func (e *hintError) Unwrap() error { return e.err }

// NoRetry marks err as permanent: the pool returns it without retrying.
// A missing account or a rejected password is never worth a second session.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &hintError{err: err, final: true}
}

func IsNoRetry(err error) bool {
	var h *hintError
	return errors.As(err, &h) && h.final
}

// RetryAfter asks for the next attempt no sooner than after, for example
// when a mail provider answers 429. The delay is capped by RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &hintError{err: err, after: max(after, 0)}
}

// delay returns the wait before retry number n (1-based).
func (c Config) delay(n int, err error) time.Duration {
	d := c.RetryBase
	var h *hintError
	if errors.As(err, &h) && !h.final {
		d = h.after
	} else {
		for i := 1; i < n && d < c.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, c.RetryMaxDelay)
	if d <= 0 {
		return 0
	}
	spread := (rand.Float64()*2 - 1) * c.RetryJitter
	d = time.Duration(float64(d) * (1 + spread))
	return min(max(d, 0), c.RetryMaxDelay)
}
