package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "accountpilot/pkg/logx"
)

func (p *Pool) work(ctx context.Context, g *generation) {
	for {
		// a closed quit wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-g.quit:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-g.quit:
			return
		case t := <-g.queue:
			p.busy.Add(1)
			t.result <- p.execute(ctx, g.quit, t)
			p.busy.Add(-1)
		}
	}
}

func (p *Pool) execute(ctx context.Context, quit <-chan struct{}, t *ticket) error {
	started := time.Now()
	wait := max(started.Sub(t.queued), 0)

	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	log := p.log.With(logx.String("job", t.job.Name), logx.String("id", t.job.ID))
	log.Debug("job started", logx.Duration("queue_delay", wait))

	var (
		err      error
		attempts int
	)
	for attempts = 1; ; attempts++ {
		err = p.attempt(ctx, t, log)
		if err == nil {
			break
		}
		var h *hintError
		if errors.As(err, &h) && h.final {
			err = h.err
			break
		}
		if attempts > t.retryMax {
			break
		}

		d := cfg.delay(attempts, err)
		log.Debug("job retry scheduled", logx.Int("attempt", attempts+1), logx.Duration("delay", d), logx.Err(err))
		if werr := sleep(ctx, quit, d); werr != nil {
			err = werr
			break
		}
	}

	rec := Record{
		ID:         t.job.ID,
		Name:       t.job.Name,
		Started:    started,
		QueueDelay: wait,
		Duration:   time.Since(started),
		Attempts:   attempts,
	}
	if err != nil {
		rec.Error = err.Error()
		log.Debug("job failed", logx.Err(err), logx.Duration("dur", rec.Duration), logx.Int("attempts", attempts))
	} else {
		log.Debug("job completed", logx.Duration("dur", rec.Duration), logx.Int("attempts", attempts))
	}
	p.remember(rec, cfg.HistorySize)
	return err
}

// attempt runs the job once. A panic becomes the attempt's error so one
// broken account cannot take a worker down.
func (p *Pool) attempt(ctx context.Context, t *ticket, log logx.Logger) (err error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.job.Run(ctx)
}

func sleep(ctx context.Context, quit <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-quit:
		return ErrStopping
	case <-timer.C:
		return nil
	}
}
