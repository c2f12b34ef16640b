package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "accountpilot/internal/runtime/supervisor"
	logx "accountpilot/pkg/logx"
)

// Pool is the shared worker pool. It is safe for concurrent use and may be
// started again after Stop.
type Pool struct {
	log logx.Logger

	mu  sync.Mutex
	cfg Config
	cur *generation

	busy atomic.Int32
	seq  atomic.Uint64

	histMu  sync.Mutex
	history []Record
}

// generation is one Start..Stop lifetime.
type generation struct {
	queue   chan *ticket
	quit    chan struct{}
	sup     *rtsup.Supervisor
	closing bool
	done    chan struct{}
}

type ticket struct {
	job      Job
	queued   time.Time
	timeout  time.Duration
	retryMax int
	result   chan error
}

func New(cfg Config, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{cfg: cfg.normalized(), log: log}
}

// Apply swaps the policy. Timeouts and retries affect jobs submitted after
// the call; Workers and QueueSize only change on the next Start.
func (p *Pool) Apply(cfg Config) {
	cfg = cfg.normalized()
	p.mu.Lock()
	resized := p.cur != nil && (p.cfg.Workers != cfg.Workers || p.cfg.QueueSize != cfg.QueueSize)
	p.cfg = cfg
	p.mu.Unlock()

	if resized {
		p.log.Warn("task engine size changed; restart required",
			logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	}
}

func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		p.mu.Lock()
		g := p.cur
		if g == nil {
			break
		}
		closing := g.closing
		p.mu.Unlock()
		if !closing {
			return
		}
		select {
		case <-g.done:
		case <-ctx.Done():
			return
		}
	}
	defer p.mu.Unlock()

	cfg := p.cfg
	g := &generation{
		queue: make(chan *ticket, cfg.QueueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		sup:   rtsup.NewSupervisor(ctx, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false)),
	}
	p.cur = g
	p.busy.Store(0)

	for i := range cfg.Workers {
		g.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			p.work(c, g)
			select {
			case <-g.quit:
				return context.Canceled
			default:
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	p.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop refuses new jobs, cancels running ones and waits for the workers
// until ctx ends.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	g := p.cur
	if g == nil {
		p.mu.Unlock()
		return
	}
	if !g.closing {
		g.closing = true
		close(g.quit)
		g.sup.Cancel()
		go func() {
			_ = g.sup.Wait(context.Background())
			p.mu.Lock()
			if p.cur == g {
				p.cur = nil
			}
			p.mu.Unlock()
			p.busy.Store(0)
			close(g.done)
		}()
	}
	p.mu.Unlock()

	select {
	case <-g.done:
		p.log.Info("task engine stopped")
	case <-ctx.Done():
		p.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Do queues job and waits for its final outcome after retries. It returns
// early when ctx ends or the pool stops.
func (p *Pool) Do(ctx context.Context, job Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if job.Run == nil {
		return errors.New("engine: job has no Run func")
	}
	if job.Name = strings.TrimSpace(job.Name); job.Name == "" {
		job.Name = "job"
	}
	now := time.Now()
	if strings.TrimSpace(job.ID) == "" {
		job.ID = fmt.Sprintf("job-%x-%x", now.UnixNano(), p.seq.Add(1))
	}

	p.mu.Lock()
	cfg, g := p.cfg, p.cur
	closing := g != nil && g.closing
	p.mu.Unlock()
	switch {
	case g == nil:
		return ErrStopped
	case closing:
		return ErrStopping
	}

	t := &ticket{
		job:      job,
		queued:   now,
		timeout:  job.Timeout,
		retryMax: cfg.RetryMax,
		result:   make(chan error, 1),
	}
	if t.timeout <= 0 {
		t.timeout = cfg.DefaultTimeout
	}
	switch {
	case job.RetryMax > 0:
		t.retryMax = job.RetryMax
	case job.RetryMax < 0:
		t.retryMax = 0
	}

	select {
	case g.queue <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.quit:
		return ErrStopping
	}

	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-g.quit:
		// a result may have landed together with the stop
		select {
		case err := <-t.result:
			return err
		default:
			return ErrStopping
		}
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	cfg, g := p.cfg, p.cur
	running := g != nil && !g.closing
	p.mu.Unlock()

	st := Stats{
		Running:        running,
		Workers:        cfg.Workers,
		Busy:           int(p.busy.Load()),
		DefaultTimeout: cfg.DefaultTimeout,
		RetryMax:       cfg.RetryMax,
	}
	if g != nil {
		st.Queued, st.Capacity = len(g.queue), cap(g.queue)
	}
	p.histMu.Lock()
	st.History = append([]Record(nil), p.history...)
	p.histMu.Unlock()
	return st
}

func (p *Pool) remember(r Record, limit int) {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	p.history = append(p.history, r)
	if over := len(p.history) - limit; over > 0 {
		p.history = p.history[over:]
	}
}
