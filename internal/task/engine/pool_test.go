package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "accountpilot/pkg/logx"
)

func started(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, logx.Nop())
	p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p
}

func noop(context.Context) error { return nil }

func TestDoRecordsHistory(t *testing.T) {
	t.Parallel()
	p := started(t, Config{Workers: 2})

	var ran atomic.Bool
	require.NoError(t, p.Do(context.Background(), Job{Name: " refresh:a@x.io ", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}))
	assert.True(t, ran.Load())

	st := p.Stats()
	assert.True(t, st.Running)
	assert.Equal(t, 64, st.Capacity)
	require.Len(t, st.History, 1)
	assert.Equal(t, "refresh:a@x.io", st.History[0].Name)
	assert.Equal(t, 1, st.History[0].Attempts)
	assert.NotEmpty(t, st.History[0].ID)
}

func TestDoRejectsWhenNotRunning(t *testing.T) {
	t.Parallel()
	p := New(Config{}, logx.Nop())
	assert.ErrorIs(t, p.Do(context.Background(), Job{Run: noop}), ErrStopped)
	assert.Error(t, p.Do(context.Background(), Job{}))
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	p := started(t, Config{Workers: 1})

	err := p.Do(context.Background(), Job{Name: "boom", Run: func(context.Context) error {
		panic("bad item")
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad item")

	require.NoError(t, p.Do(context.Background(), Job{Run: noop}), "worker survives")
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()
	p := started(t, Config{Workers: 1, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond})

	var calls atomic.Int32
	require.NoError(t, p.Do(context.Background(), Job{Name: "flaky", Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}}))
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	permanent := errors.New("account not found")
	err := p.Do(context.Background(), Job{Name: "permanent", Run: func(context.Context) error {
		calls.Add(1)
		return NoRetry(permanent)
	}})
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, err, permanent)
	assert.False(t, IsNoRetry(err), "marker is stripped")
	assert.Equal(t, "account not found", err.Error())

	calls.Store(0)
	err = p.Do(context.Background(), Job{Name: "once", RetryMax: -1, Run: func(context.Context) error {
		calls.Add(1)
		return errors.New("transient")
	}})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, p.Stats().History[2].Attempts)
}

func TestJobTimeout(t *testing.T) {
	t.Parallel()
	p := started(t, Config{Workers: 1})

	err := p.Do(context.Background(), Job{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopUnblocksWaiters(t *testing.T) {
	t.Parallel()
	p := New(Config{Workers: 1}, logx.Nop())
	p.Start(context.Background())

	entered := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- p.Do(context.Background(), Job{Run: func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Stop(ctx)
	assert.Error(t, <-errc)
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	p := New(Config{Workers: 2}, logx.Nop())
	p.Start(context.Background())
	p.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Stop(ctx)
	p.Stop(ctx)

	assert.False(t, p.Stats().Running)
	assert.ErrorIs(t, p.Do(context.Background(), Job{Run: noop}), ErrStopped)

	p.Start(context.Background())
	defer p.Stop(ctx)
	assert.NoError(t, p.Do(context.Background(), Job{Run: noop}), "restartable")
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 4 * time.Second, RetryJitter: 0.2}.normalized()

	tests := map[string]struct {
		n      int
		err    error
		lo, hi time.Duration
	}{
		"first retry":   {n: 1, err: errors.New("x"), lo: 800 * time.Millisecond, hi: 1200 * time.Millisecond},
		"second retry":  {n: 2, err: errors.New("x"), lo: 1600 * time.Millisecond, hi: 2400 * time.Millisecond},
		"capped":        {n: 6, err: errors.New("x"), lo: 3200 * time.Millisecond, hi: 4 * time.Second},
		"retry after":   {n: 1, err: RetryAfter(errors.New("429"), 2*time.Second), lo: 1600 * time.Millisecond, hi: 2400 * time.Millisecond},
		"hint too long": {n: 1, err: RetryAfter(errors.New("429"), time.Minute), lo: 3200 * time.Millisecond, hi: 4 * time.Second},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			for range 20 {
				d := cfg.delay(tt.n, tt.err)
				assert.GreaterOrEqual(t, d, tt.lo)
				assert.LessOrEqual(t, d, tt.hi)
			}
		})
	}
}

func TestHintWrapping(t *testing.T) {
	t.Parallel()
	assert.NoError(t, NoRetry(nil))
	assert.NoError(t, RetryAfter(nil, time.Second))

	base := errors.New("rate limited")
	ra := RetryAfter(base, time.Second)
	assert.ErrorIs(t, ra, base)
	assert.False(t, IsNoRetry(ra))
	assert.Equal(t, "retry after 1s: rate limited", ra.Error())
	assert.True(t, IsNoRetry(NoRetry(base)))
}
