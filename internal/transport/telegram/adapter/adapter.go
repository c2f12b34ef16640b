// Package adapter connects the bot to Telegram through telebot: long polling
// for operator commands, and sending for replies, summaries and log lines.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "accountpilot/internal/runtime/supervisor"
	kit "accountpilot/internal/transport"
	logx "accountpilot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe call. Only tests set it.
	Offline bool
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu  sync.Mutex
	out chan<- kit.Message
	sup *rtsup.Supervisor

	dropped atomic.Uint64

	menuMu  sync.Mutex
	menuSum uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram: token is empty")
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		Poller:  &tele.LongPoller{Timeout: poll},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log.With(logx.String("comp", "telegram")), bot: bot}
	bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	a.forward(kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
	})
	return nil
}

// forward hands m to the router without blocking the poller. Messages that
// do not fit are counted and reported periodically.
func (a *Adapter) forward(m kit.Message) {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- m:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling and delivers text messages to out. Calling it
// while running does nothing.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return nil
	}
	a.out = out
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.sup = sup
	a.mu.Unlock()

	sup.Go0("updates.dropped", func(c context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped()
				return
			case <-t.C:
				a.reportDropped()
			}
		}
	})
	sup.Go0("poll.stop", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop; an earlier return is a poller failure.
	sup.GoRestart("poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telegram: poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithPublishFirstError(true))
	return nil
}

func (a *Adapter) reportDropped() {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming messages dropped", logx.Uint64("count", n))
	}
}

// Stop ends polling. A pending getUpdates call is abandoned after a short
// grace period.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup, a.out = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	grace := stopGrace
	if dl, ok := ctx.Deadline(); ok {
		grace = max(min(grace, time.Until(dl)), 0)
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	switch err := sup.Wait(wctx); {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	case err != nil:
		a.log.Debug("telegram poller had failed", logx.Err(err))
	}
	return nil
}
