package storage

import (
	"context"

	"accountpilot/internal/account"
)

// externalStore serves accounts handed in by an outside system. Writes are
// refused; audit entries go to the configured backend when there is one.
type externalStore struct {
	raw   string
	audit Store
}

func newExternal(raw string, audit Store) Store {
	return &externalStore{raw: raw, audit: audit}
}

func (s *externalStore) LoadAccounts(ctx context.Context) ([]account.Account, error) {
	_ = ctx
	return decodeAccounts([]byte(s.raw))
}

func (s *externalStore) SaveAccounts(context.Context, []account.Account) error {
	return ErrReadOnly
}

func (s *externalStore) Update(context.Context, func([]account.Account) ([]account.Account, error)) error {
	return ErrReadOnly
}

func (s *externalStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.AppendAudit(ctx, e)
}

func (s *externalStore) Close() error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Close()
}
