// Package refresh re-signs existing accounts to renew their credentials.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"accountpilot/internal/account"
	"accountpilot/internal/eventbus"
	"accountpilot/internal/mail"
	"accountpilot/internal/services/login"
	"accountpilot/internal/storage"
	"accountpilot/internal/task/batch"
	logx "accountpilot/pkg/logx"
)

const Op = "refresh"

// Params are the refresh-specific fields of a task record.
type Params struct {
	AccountIDs []string `json:"account_ids"`
}

type Record = batch.Record[Params]

// AccountSource is the account store as seen by refresh.
type AccountSource interface {
	LoadAccounts(ctx context.Context) ([]account.Account, error)
	Update(ctx context.Context, fn func([]account.Account) ([]account.Account, error)) error
}

// Auditor receives one entry per finished task. Optional.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	Accounts AccountSource
	Audit    Auditor
	Pool     batch.Doer
	Engines  login.Engines

	// Mail builds the mailbox client for an account; defaults to mail.ForAccount.
	Mail func(a account.Account, s mail.Settings) (mail.Client, error)

	Settings func() login.Settings
	// External reports whether accounts are managed by an outside system.
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
}

func New(ctx context.Context, d Deps) *Service {
	if d.Mail == nil {
		d.Mail = mail.ForAccount
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
	s := &Service{d: d, log: log.With(logx.String("comp", "refresh"))}
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

// Submit starts a refresh batch for ids, in order.
// It fails with batch.ErrDisabled when accounts are managed externally and
// with batch.ErrConflict while another refresh batch runs.
func (s *Service) Submit(ids []string) (Record, error) {
	if s.d.External() {
		return Record{}, batch.ErrDisabled
	}
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return Record{}, errors.New("no account ids given")
	}

	settings := s.d.Settings()
	items := make([]batch.Item, len(clean))
	for i, id := range clean {
		items[i] = batch.Item{Key: id, Run: func(ctx context.Context, logf batch.Logf) (batch.Result, error) {
			return s.refreshOne(ctx, settings, id, login.Prefixed(logf, id))
		}}
	}
	rec, err := s.runner.Submit(Params{AccountIDs: clean}, items)
	if err != nil {
		return Record{}, err
	}
	s.log.Info("refresh task created", logx.String("task", rec.ID), logx.Int("accounts", len(clean)))
	return rec, nil
}

func (s *Service) refreshOne(ctx context.Context, st login.Settings, id string, logf batch.Logf) (batch.Result, error) {
	list, err := s.d.Accounts.LoadAccounts(ctx)
	if err != nil {
		return batch.Result{}, batch.Wrap(batch.ErrPersistence, fmt.Errorf("load accounts: %w", err))
	}
	i := account.Find(list, id)
	if i < 0 {
		return batch.Result{}, batch.Fail(batch.ErrNotFound, "account not found")
	}
	acc := list[i]
	if acc.Disabled {
		return batch.Result{}, batch.Fail(batch.ErrDisabled, "account disabled")
	}
	if err := acc.Validate(); err != nil {
		return batch.Result{}, batch.Wrap(batch.ErrValidation, err)
	}

	mc, err := s.d.Mail(acc, st.Mail)
	if err != nil {
		return batch.Result{}, batch.Wrap(batch.ErrValidation, err)
	}
	logf("info", "signing in via %s mailbox %s", acc.Provider(), mc.Address())

	creds, err := login.Run(ctx, st, s.d.Engines, id, mc, logf)
	if err != nil {
		return batch.Result{}, err
	}

	var (
		merged account.Account
		total  int
	)
	err = s.d.Accounts.Update(ctx, func(list []account.Account) ([]account.Account, error) {
		i := account.Find(list, id)
		if i < 0 {
			return nil, batch.Fail(batch.ErrNotFound, "account not found")
		}
		list[i].MergeCredentials(creds)
		merged = list[i]
		total = len(list)
		return list, nil
	})
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			return batch.Result{}, err
		}
		return batch.Result{}, batch.Wrap(batch.ErrPersistence, fmt.Errorf("save accounts: %w", err))
	}
	logf("info", "credentials refreshed, expires at %s", merged.ExpiresAt)
	login.PublishAccountsUpdated(s.d.Bus, st, Op, id, total)

	return batch.Result{Success: true, Email: id, Config: merged.Config()}, nil
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

// Wait blocks until the task is terminal.
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
