package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"accountpilot/internal/account"
	logx "accountpilot/pkg/logx"
)

// fileStore keeps accounts in a JSON array file.
//
// Files:
//   - <path>                (accounts, rewritten via temp file + rename)
//   - <prefix>.audit.jsonl  (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	accountsPath string
	auditFile    *os.File
	closed       bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, accountsPath: path, auditFile: af}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) LoadAccounts(ctx context.Context) ([]account.Account, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *fileStore) SaveAccounts(ctx context.Context, list []account.Account) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(list)
}

func (s *fileStore) Update(ctx context.Context, fn func([]account.Account) ([]account.Account, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.loadLocked()
	if err != nil {
		return err
	}
	next, err := fn(list)
	if err != nil {
		return err
	}
	return s.saveLocked(next)
}

func (s *fileStore) loadLocked() ([]account.Account, error) {
	if s.closed {
		return nil, ErrClosed
	}
	b, err := os.ReadFile(s.accountsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAccounts(b)
}

func (s *fileStore) saveLocked(list []account.Account) error {
	if s.closed {
		return ErrClosed
	}
	if list == nil {
		list = []account.Account{}
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.accountsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.accountsPath)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// decodeAccounts reads a JSON array of account records. A record that fails to
// decode aborts the load rather than being dropped on the next save.
func decodeAccounts(b []byte) ([]account.Account, error) {
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	out := make([]account.Account, 0, len(raw))
	for i, r := range raw {
		var a account.Account
		if err := json.Unmarshal(r, &a); err != nil {
			return nil, fmt.Errorf("decode account #%d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}
