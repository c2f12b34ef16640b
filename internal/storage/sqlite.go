package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"accountpilot/internal/account"
	logx "accountpilot/pkg/logx"
)

//go:embed migrations.sql
var schemaV1 string

const schemaVersion = 1

// sqliteStore keeps one row per account. The full record lives in data as
// JSON; disabled and expires_at are copied out so the table can be queried
// by hand.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// writeMu makes Update a critical section within the process.
	writeMu sync.Mutex
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, busy))
	if err != nil {
		return nil, err
	}
	// one writer; WAL lets readers proceed
	db.SetMaxOpenConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate %s: %w", path, err)
	}
	return st, nil
}

// sqliteDSN sets the pragmas on every connection the pool opens.
func sqliteDSN(path string, busy time.Duration) string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	if version >= schemaVersion {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, schemaV1); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion))
	if err == nil {
		s.log.Info("account database migrated", logx.Int("from", version), logx.Int("to", schemaVersion))
	}
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) LoadAccounts(ctx context.Context) ([]account.Account, error) {
	return loadRows(ctx, s.db)
}

func (s *sqliteStore) SaveAccounts(ctx context.Context, list []account.Account) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.tx(ctx, func(tx *sql.Tx) error { return storeRows(ctx, tx, list) })
}

func (s *sqliteStore) Update(ctx context.Context, fn func([]account.Account) ([]account.Account, error)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := loadRows(ctx, tx)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		return storeRows(ctx, tx, next)
	})
}

func (s *sqliteStore) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadRows(ctx context.Context, q queryer) ([]account.Account, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, data FROM accounts ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []account.Account
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var a account.Account
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("account %s: %w", id, err)
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// storeRows upserts list in order and removes rows for accounts no longer
// in it.
func storeRows(ctx context.Context, tx *sql.Tx, list []account.Account) error {
	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO accounts(position, id, disabled, expires_at, data, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			position = excluded.position,
			disabled = excluded.disabled,
			expires_at = excluded.expires_at,
			data = excluded.data,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer upsert.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	keep := make(map[string]bool, len(list))
	for pos, a := range list {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("account %s: %w", a.ID, err)
		}
		if _, err := upsert.ExecContext(ctx, pos, a.ID, a.Disabled, a.ExpiresAt, string(data), now); err != nil {
			return fmt.Errorf("account %s: %w", a.ID, err)
		}
		keep[a.ID] = true
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM accounts`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var meta any
	if strings.TrimSpace(e.MetaJSON) != "" {
		meta = e.MetaJSON
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit(at, op, task_id, status, ok, fail, took_ms, meta)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Op, e.TaskID, e.Status, e.OK, e.Fail, e.TookMS, meta)
	return err
}
