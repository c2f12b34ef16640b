package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"accountpilot/internal/eventbus"
	rtsup "accountpilot/internal/runtime/supervisor"
	kit "accountpilot/internal/transport"
	logx "accountpilot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier: disabled")
	ErrQueueFull = errors.New("notifier: queue full")
	ErrStopped   = errors.New("notifier: stopped")
)

const keepDelivered = 100

type Service struct {
	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	recent *recentSet

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	run     *running

	histMu    sync.Mutex
	delivered []Delivered
}

// running is the state of one Start..Stop cycle.
type running struct {
	queue   chan Notification
	sup     *rtsup.Supervisor
	unsub   func()
	closed  bool
	pending sync.WaitGroup
}

func New(cfg Config, sender kit.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log.With(logx.String("comp", "notifier")),
		sender: sender,
		bus:    bus,
		recent: newRecentSet(),
	}
	s.Apply(cfg)
	return s
}

// Apply takes effect for the next send. Workers and QueueSize change on the
// next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start launches the senders and, with a bus, the task summary listener.
// It does nothing when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	r := &running{
		queue: make(chan Notification, s.cfg.QueueSize),
		sup:   rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.run = r

	for i := range s.cfg.Workers {
		r.sup.GoRestart(fmt.Sprintf("sender.%d", i), func(c context.Context) error {
			s.drain(c, r.queue)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	if s.bus != nil {
		var events <-chan eventbus.Event
		events, r.unsub = s.bus.Subscribe(64, eventbus.TaskFinished)
		r.sup.Go0("summaries", func(c context.Context) { s.summarize(c, events) })
	}
}

// Stop refuses new notifications and sends what is queued until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	r := s.run
	s.run = nil
	if r != nil {
		r.closed = true
	}
	s.mu.Unlock()
	if r == nil {
		return
	}

	if r.unsub != nil {
		r.unsub()
	}
	r.pending.Wait()
	close(r.queue)
	if err := r.sup.Wait(ctx); err != nil {
		r.sup.Cancel()
		s.log.Debug("notifier stopped before the queue drained", logx.Err(err))
	}
}

// Notify queues n without waiting for delivery. A zero target means the
// configured chat. Duplicates within the dedup window are dropped silently.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg, r := s.cfg, s.run
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case r == nil || r.closed:
		s.mu.Unlock()
		return ErrStopped
	}
	r.pending.Add(1)
	s.mu.Unlock()
	defer r.pending.Done()

	if n.Target.ChatID == 0 {
		n.Target = cfg.Target
	}
	if cfg.DedupWindow > 0 && !s.recent.firstSeen(n, time.Now(), cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.log.Debug("duplicate notification dropped")
		return nil
	}
	select {
	case r.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Delivered returns the most recent notifications that reached the chat.
func (s *Service) Delivered() []Delivered {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return append([]Delivered(nil), s.delivered...)
}

func (s *Service) remember(d Delivered) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.delivered = append(s.delivered, d)
	if over := len(s.delivered) - keepDelivered; over > 0 {
		s.delivered = s.delivered[over:]
	}
}
