package storage

import (
	"context"
	"errors"
	"time"

	"accountpilot/internal/account"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrReadOnly = errors.New("accounts are managed externally; store is read-only")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON accounts file plus <prefix>.audit.jsonl
//   - "sqlite": SQLite database file
//
// External, when non-empty, is a JSON array of accounts supplied by an
// outside system; the store then serves it read-only.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	External    string
}

// Store is the account source used by the operations.
//
// SaveAccounts replaces the whole collection. Update runs a load-modify-save
// cycle that no other write in this process can interleave with.
type Store interface {
	LoadAccounts(ctx context.Context) ([]account.Account, error)
	SaveAccounts(ctx context.Context, list []account.Account) error
	Update(ctx context.Context, fn func(list []account.Account) ([]account.Account, error)) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records a finished batch.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Op       string    `json:"op"`
	TaskID   string    `json:"task_id"`
	Status   string    `json:"status"`
	OK       int       `json:"ok"`
	Fail     int       `json:"fail"`
	TookMS   int64     `json:"took_ms"`
	MetaJSON string    `json:"meta,omitempty"`
}
