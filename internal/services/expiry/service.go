// Package expiry periodically refreshes accounts whose credentials are about
// to expire.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"accountpilot/internal/account"
	"accountpilot/internal/runtime/supervisor"
	"accountpilot/internal/services/login"
	"accountpilot/internal/services/refresh"
	"accountpilot/internal/task/batch"
	logx "accountpilot/pkg/logx"
)

const (
	DefaultSchedule    = "30m"
	DefaultWindowHours = 1.0
)

type AccountSource interface {
	LoadAccounts(ctx context.Context) ([]account.Account, error)
}

// Refresher is the refresh operation as seen by the scheduler.
type Refresher interface {
	Submit(ids []string) (refresh.Record, error)
}

type Deps struct {
	Accounts AccountSource
	Refresh  Refresher

	Settings func() login.Settings
	External func() bool

	// Schedule defaults to DefaultSchedule.
	Schedule string

	Log logx.Logger
	Now func() time.Time
}

type Service struct {
	d   Deps
	log logx.Logger

	mu      sync.Mutex
	spec    string
	sched   cron.Schedule
	running bool
	sup     *supervisor.Supervisor
	reload  chan struct{}
}

var fallbackSchedule = cron.Every(30 * time.Minute)

func New(d Deps) (*Service, error) {
	if d.Schedule == "" {
		d.Schedule = DefaultSchedule
	}
	sched, err := ParseSchedule(d.Schedule)
	if err != nil {
		return nil, err
	}
	if d.External == nil {
		d.External = account.ExternallyManaged
	}
	if d.Settings == nil {
		d.Settings = func() login.Settings { return login.Settings{} }
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		d:      d,
		log:    log.With(logx.String("comp", "expiry")),
		spec:   d.Schedule,
		sched:  sched,
		reload: make(chan struct{}, 1),
	}, nil
}

// Start launches the scan loop. Calling it while running only logs a warning.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn("expiry scheduler already running")
		return
	}
	s.running = true
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.sup.Go0("expiry.loop", s.loop)
	s.log.Info("expiry scheduler started", logx.String("schedule", s.spec))
}

// Stop ends the loop, interrupting a pending wait, and blocks until it exits
// or ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	err := sup.Stop(ctx)
	s.log.Info("expiry scheduler stopped")
	return err
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Apply switches to a new schedule. A running loop re-arms its wait at once.
func (s *Service) Apply(spec string) error {
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	changed := spec != s.spec
	s.spec, s.sched = spec, sched
	s.mu.Unlock()
	if changed {
		s.log.Info("expiry schedule changed", logx.String("schedule", spec))
		select {
		case s.reload <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Service) schedule() cron.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

func (s *Service) loop(ctx context.Context) {
	for {
		s.iterate(ctx)
		if !s.sleep(ctx) {
			return
		}
	}
}

// sleep waits for the next fire time. A schedule change re-arms the timer.
func (s *Service) sleep(ctx context.Context) bool {
	for {
		t := time.NewTimer(s.wait(s.d.Now()))
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-s.reload:
			t.Stop()
			continue
		case <-t.C:
			return true
		}
	}
}

// wait returns the time left until the next fire time. A schedule without
// one falls back to DefaultSchedule.
func (s *Service) wait(now time.Time) time.Duration {
	next := s.schedule().Next(now)
	if d := next.Sub(now); !next.IsZero() && d > 0 {
		return d
	}
	s.log.Warn("schedule has no next run, using default", logx.String("default", DefaultSchedule))
	return fallbackSchedule.Next(now).Sub(now)
}

func (s *Service) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("expiry scan panicked", logx.Any("panic", r))
		}
	}()
	rec, ok, err := s.Scan(ctx)
	switch {
	case errors.Is(err, batch.ErrConflict):
		s.log.Warn("refresh already running, scan result dropped")
	case err != nil:
		s.log.Error("expiry scan failed", logx.Err(err))
	case ok:
		s.log.Info("expiring accounts submitted for refresh", logx.String("task", rec.ID), logx.Strings("accounts", rec.Params.AccountIDs))
	}
}

// Scan runs one check: it submits a refresh batch for every account expiring
// within the configured window. ok is false when nothing was submitted.
func (s *Service) Scan(ctx context.Context) (rec refresh.Record, ok bool, err error) {
	if s.d.External() {
		s.log.Debug("accounts managed externally, scan skipped")
		return refresh.Record{}, false, nil
	}
	list, err := s.d.Accounts.LoadAccounts(ctx)
	if err != nil {
		return refresh.Record{}, false, fmt.Errorf("load accounts: %w", err)
	}
	window := s.d.Settings().RefreshWindowHours
	if window <= 0 {
		window = DefaultWindowHours
	}
	ids := account.Due(list, s.d.Now(), window)
	if len(ids) == 0 {
		s.log.Debug("no accounts near expiry", logx.Int("accounts", len(list)))
		return refresh.Record{}, false, nil
	}
	rec, err = s.d.Refresh.Submit(ids)
	if err != nil {
		return refresh.Record{}, false, err
	}
	return rec, true, nil
}
