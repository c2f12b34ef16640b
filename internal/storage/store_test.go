package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accountpilot/internal/account"
	logx "accountpilot/pkg/logx"
)

func openBoth(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		ext := ".json"
		if driver == "sqlite" {
			ext = ".db"
		}
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, driver, "accounts"+ext)}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func mustAccount(t *testing.T, js string) account.Account {
	t.Helper()
	var a account.Account
	require.NoError(t, json.Unmarshal([]byte(js), &a))
	return a
}

func TestSaveLoadKeepsOrderAndFields(t *testing.T) {
	t.Parallel()
	for driver, st := range openBoth(t) {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			empty, err := st.LoadAccounts(ctx)
			require.NoError(t, err)
			assert.Empty(t, empty)

			in := []account.Account{
				mustAccount(t, `{"id":"b@x.com","mail_password":"pw","secure_c_ses":"s1","expires_at":"2026-01-01 00:00:00"}`),
				mustAccount(t, `{"id":"a@x.com","mail_client_id":"cid","mail_refresh_token":"rt","disabled":true}`),
			}
			require.NoError(t, st.SaveAccounts(ctx, in))

			got, err := st.LoadAccounts(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "b@x.com", got[0].ID)
			assert.Equal(t, "s1", got[0].Fields["secure_c_ses"])
			assert.Equal(t, "2026-01-01 00:00:00", got[0].ExpiresAt)
			assert.Equal(t, account.ProviderMicrosoft, got[1].Provider())
			assert.True(t, got[1].Disabled)
		})
	}
}

func TestUpdateIsSerialized(t *testing.T) {
	t.Parallel()
	for driver, st := range openBoth(t) {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.SaveAccounts(ctx, nil))

			const writers = 10
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					err := st.Update(ctx, func(list []account.Account) ([]account.Account, error) {
						acc := account.NewProvisioned(map[string]any{}, fmt.Sprintf("u%d@x.com", i), "pw")
						return account.Upsert(list, acc), nil
					})
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			got, err := st.LoadAccounts(ctx)
			require.NoError(t, err)
			assert.Len(t, got, writers, "no update may be lost")
		})
	}
}

func TestUpdateErrorLeavesStoreUntouched(t *testing.T) {
	t.Parallel()
	for driver, st := range openBoth(t) {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.SaveAccounts(ctx, []account.Account{mustAccount(t, `{"id":"a","mail_password":"pw"}`)}))

			err := st.Update(ctx, func(list []account.Account) ([]account.Account, error) {
				return nil, assert.AnError
			})
			require.ErrorIs(t, err, assert.AnError)

			got, err := st.LoadAccounts(ctx)
			require.NoError(t, err)
			assert.Len(t, got, 1)
		})
	}
}

func TestFileAuditAppends(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "accounts.json")}, logx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Op: "refresh", TaskID: "t1", Status: "success", OK: 2}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Op: "provision", TaskID: "t2", Status: "failed", Fail: 1}))
	require.NoError(t, st.Close())

	f, err := os.Open(filepath.Join(dir, "accounts.audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var entries []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)
	assert.Equal(t, "t1", entries[0].TaskID)
	assert.False(t, entries[0].At.IsZero())
	assert.Equal(t, "failed", entries[1].Status)
}

func TestExternalIsReadOnly(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none", External: `[{"id":"a@x.com","mail_password":"pw"}]`}, logx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	got, err := st.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, account.ProviderDuckMail, got[0].Provider())

	assert.ErrorIs(t, st.SaveAccounts(ctx, got), ErrReadOnly)
	assert.ErrorIs(t, st.Update(ctx, func(l []account.Account) ([]account.Account, error) { return l, nil }), ErrReadOnly)
	assert.NoError(t, st.AppendAudit(ctx, AuditEntry{Op: "refresh"}))
	assert.NoError(t, st.Close())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "none"}, logx.Nop())
	assert.Error(t, err)
}

func TestSQLiteSaveRemovesAndReorders(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "accounts.db")
	st, err := openSQLite(Config{Path: path}, logx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	a := mustAccount(t, `{"id":"a@x.com","mail_password":"pw","expires_at":"2026-03-01 10:00:00"}`)
	b := mustAccount(t, `{"id":"b@x.com","mail_password":"pw"}`)
	c := mustAccount(t, `{"id":"c@x.com","mail_password":"pw","disabled":true}`)
	require.NoError(t, st.SaveAccounts(ctx, []account.Account{a, b, c}))
	require.NoError(t, st.SaveAccounts(ctx, []account.Account{c, a}))

	got, err := st.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c@x.com", got[0].ID)
	assert.Equal(t, "a@x.com", got[1].ID)

	var expires string
	var disabled bool
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT expires_at FROM accounts WHERE id = ?`, "a@x.com").Scan(&expires))
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT disabled FROM accounts WHERE id = ?`, "c@x.com").Scan(&disabled))
	assert.Equal(t, "2026-03-01 10:00:00", expires)
	assert.True(t, disabled)

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Op: "refresh", TaskID: "t1", Status: "success", OK: 2}))
	require.NoError(t, st.Close())

	reopened, err := openSQLite(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	var version, audits int
	require.NoError(t, reopened.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version))
	require.NoError(t, reopened.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit`).Scan(&audits))
	assert.Equal(t, schemaVersion, version)
	assert.Equal(t, 1, audits)
}
