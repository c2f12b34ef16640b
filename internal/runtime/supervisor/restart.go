package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "accountpilot/pkg/logx"
)

// A run that lasted this long resets the backoff.
const healthyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff   time.Duration
	maxBackoff   time.Duration
	maxRestarts  int
	publishFirst bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. n <= 0 never gives up.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records the first failure in Err. Restarted loops
// never cancel siblings.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// GoRestart keeps fn running: an error or panic restarts it after an
// exponential backoff with jitter. Returning nil or context cancellation
// ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, opt := range opts {
		opt(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := p.minBackoff
		for restarts := 1; ; restarts++ {
			began := time.Now()
			err := s.guard(name, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if p.publishFirst {
				s.record(fmt.Errorf("%s: %w", name, err))
			}
			if p.maxRestarts > 0 && restarts > p.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts-1), logx.Err(err))
				return
			}
			if time.Since(began) >= healthyRun {
				backoff = p.minBackoff
			}
			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, p.maxBackoff)
		}
	})
}
