// Package provision registers new mailboxes and signs them in as new accounts.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"accountpilot/internal/account"
	"accountpilot/internal/eventbus"
	"accountpilot/internal/mail"
	"accountpilot/internal/services/login"
	"accountpilot/internal/storage"
	"accountpilot/internal/task/batch"
	logx "accountpilot/pkg/logx"
)

const (
	Op = "provision"

	MinCount = 1
	MaxCount = 30
)

type Params struct {
	Count  int    `json:"count"`
	Domain string `json:"domain,omitempty"`
}

type Record = batch.Record[Params]

type AccountSource interface {
	Update(ctx context.Context, fn func([]account.Account) ([]account.Account, error)) error
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	Accounts AccountSource
	Audit    Auditor
	Pool     batch.Doer
	Engines  login.Engines

	// Registrar returns a fresh mailbox registrar; defaults to a DuckMail client.
	Registrar func(s mail.Settings) (mail.Registrar, error)

	Settings func() login.Settings
	External func() bool

	Bus eventbus.Bus
	Log logx.Logger

	Concurrency int
	HistorySize int
	ItemTimeout time.Duration
}

type Service struct {
	d      Deps
	log    logx.Logger
	runner *batch.Runner[Params]

	pmu      sync.Mutex
	pacing   *rate.Limiter
	pacingIv time.Duration
}

func New(ctx context.Context, d Deps) *Service {
	if d.Registrar == nil {
		d.Registrar = func(s mail.Settings) (mail.Registrar, error) { return mail.NewDuckMail(s) }
	}
	if d.External == nil {
		d.External = account.ExternallyManaged
	}
	if d.Settings == nil {
		d.Settings = func() login.Settings { return login.Settings{} }
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{d: d, log: log.With(logx.String("comp", "provision"))}
	s.runner = batch.New(ctx, d.Pool, batch.Options[Params]{
		Op:          Op,
		Concurrency: d.Concurrency,
		HistorySize: d.HistorySize,
		ItemTimeout: d.ItemTimeout,
		Bus:         d.Bus,
		Log:         s.log,
		OnFinish:    s.audit,
	})
	return s
}

// ClampCount applies the default and bounds a requested batch size.
func ClampCount(requested, def int) int {
	n := requested
	if n <= 0 {
		n = def
	}
	return min(MaxCount, max(MinCount, n))
}

// Submit starts a batch registering count new accounts on domain. A count of 0
// and a blank domain fall back to the configured defaults.
func (s *Service) Submit(count int, domain string) (Record, error) {
	if s.d.External() {
		return Record{}, batch.ErrDisabled
	}
	settings := s.d.Settings()
	n := ClampCount(count, settings.RegisterDefaultCount)
	domain = strings.TrimSpace(domain)
	if domain == "" {
		domain = strings.TrimSpace(settings.RegisterDomain)
	}
	limiter := s.limiter(settings.RegisterMinInterval)

	items := make([]batch.Item, n)
	for i := range items {
		key := fmt.Sprintf("#%d", i+1)
		items[i] = batch.Item{Key: key, Run: func(ctx context.Context, logf batch.Logf) (batch.Result, error) {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return batch.Result{}, batch.Wrap(batch.ErrRegistration, err)
				}
			}
			return s.provisionOne(ctx, settings, domain, login.Prefixed(logf, key))
		}}
	}
	rec, err := s.runner.Submit(Params{Count: n, Domain: domain}, items)
	if err != nil {
		return Record{}, err
	}
	s.log.Info("provision task created", logx.String("task", rec.ID), logx.Int("count", n), logx.String("domain", domain))
	return rec, nil
}

func (s *Service) limiter(iv time.Duration) *rate.Limiter {
	if iv <= 0 {
		return nil
	}
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if s.pacing == nil || s.pacingIv != iv {
		s.pacing = rate.NewLimiter(rate.Every(iv), 1)
		s.pacingIv = iv
	}
	return s.pacing
}

func (s *Service) provisionOne(ctx context.Context, st login.Settings, domain string, logf batch.Logf) (batch.Result, error) {
	reg, err := s.d.Registrar(st.Mail)
	if err != nil {
		return batch.Result{}, batch.Wrap(batch.ErrRegistration, err)
	}
	if err := reg.Register(ctx, domain); err != nil {
		logf("error", "mailbox registration: %v", err)
		return batch.Result{}, batch.Fail(batch.ErrRegistration, "registration failed")
	}
	email := reg.Address()
	logf("info", "mailbox %s registered", email)

	creds, err := login.Run(ctx, st, s.d.Engines, email, reg, logf)
	if err != nil {
		return batch.Result{}, batch.About(err, email)
	}

	acc := account.NewProvisioned(creds, email, reg.Password())
	var total int
	err = s.d.Accounts.Update(ctx, func(list []account.Account) ([]account.Account, error) {
		list = account.Upsert(list, acc)
		total = len(list)
		return list, nil
	})
	if err != nil {
		return batch.Result{}, batch.About(batch.Wrap(batch.ErrPersistence, fmt.Errorf("save accounts: %w", err)), email)
	}
	login.PublishAccountsUpdated(s.d.Bus, st, Op, acc.ID, total)

	return batch.Result{Success: true, Email: email, Config: acc.Config()}, nil
}

func (s *Service) audit(ctx context.Context, rec Record) {
	if s.d.Audit == nil {
		return
	}
	took := int64(0)
	if rec.FinishedAt != nil {
		took = rec.FinishedAt.Sub(rec.CreatedAt).Milliseconds()
	}
	err := s.d.Audit.AppendAudit(ctx, storage.AuditEntry{
		Op:       Op,
		TaskID:   rec.ID,
		Status:   string(rec.Status),
		OK:       rec.SuccessCount,
		Fail:     rec.FailCount,
		TookMS:   took,
		MetaJSON: metaJSON(rec.Params),
	})
	if err != nil {
		s.log.Warn("audit append failed", logx.String("task", rec.ID), logx.Err(err))
	}
}

func (s *Service) Task(id string) (Record, bool) { return s.runner.Task(id) }
func (s *Service) CurrentTaskID() string         { return s.runner.CurrentTaskID() }
func (s *Service) Tasks() []Record               { return s.runner.Tasks() }

func (s *Service) Wait(ctx context.Context, id string) (Record, error) {
	return s.runner.Wait(ctx, id)
}

func metaJSON(p Params) string {
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(b)
}
