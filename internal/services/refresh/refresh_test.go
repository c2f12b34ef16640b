package refresh

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accountpilot/internal/account"
	"accountpilot/internal/automation"
	"accountpilot/internal/eventbus"
	"accountpilot/internal/mail"
	"accountpilot/internal/services/login"
	"accountpilot/internal/storage"
	"accountpilot/internal/task/batch"
	"accountpilot/internal/task/engine"
	logx "accountpilot/pkg/logx"
)

type fakeMail struct{ addr string }

func (m fakeMail) Provider() account.Provider { return account.ProviderDuckMail }
func (m fakeMail) Address() string            { return m.addr }
func (m fakeMail) FetchCode(context.Context, time.Time) (string, error) {
	return "", mail.ErrNoCode
}

// fakeEngine succeeds unless the identifier is listed in fail.
type fakeEngine struct {
	mu    sync.Mutex
	fail  map[string]string
	calls []automation.Options
}

func (f *fakeEngine) factory(opts automation.Options) (automation.Engine, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	return f, nil
}

func (f *fakeEngine) LoginAndExtract(ctx context.Context, id string, mc mail.Client, logf automation.LogFunc) (automation.Outcome, error) {
	if msg, ok := f.fail[id]; ok {
		return automation.Outcome{Error: msg}, nil
	}
	logf("info", "signed in")
	return automation.Outcome{Success: true, Config: map[string]any{
		"id":           id,
		"secure_c_ses": "fresh-" + id,
		"expires_at":   "2030-01-01 00:00:00",
		// must not clobber the stored mailbox password
		"mail_password": "overwritten",
	}}, nil
}

type harness struct {
	svc    *Service
	store  storage.Store
	engine *fakeEngine
	bus    eventbus.Bus
	path   string
}

func newHarness(t *testing.T, external bool, accounts ...string) *harness {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "accounts.json")
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	list := make([]account.Account, 0, len(accounts))
	for _, js := range accounts {
		var a account.Account
		require.NoError(t, json.Unmarshal([]byte(js), &a))
		list = append(list, a)
	}
	require.NoError(t, st.SaveAccounts(ctx, list))

	pool := engine.New(engine.Config{Workers: 2, QueueSize: 8}, logx.Nop())
	pool.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(stopCtx)
	})

	fe := &fakeEngine{fail: map[string]string{}}
	bus := eventbus.New()
	svc := New(ctx, Deps{
		Accounts: st,
		Audit:    st,
		Pool:     pool,
		Engines:  login.Engines{Factory: fe.factory, HasDisplay: func() bool { return false }},
		Mail: func(a account.Account, s mail.Settings) (mail.Client, error) {
			return fakeMail{addr: a.Mailbox.Address()}, nil
		},
		Settings: func() login.Settings {
			return login.Settings{BrowserEngine: "uc", AccountFailureThreshold: 3}
		},
		External: func() bool { return external },
		Bus:      bus,
	})
	return &harness{svc: svc, store: st, engine: fe, bus: bus, path: path}
}

func (h *harness) wait(t *testing.T, id string) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := h.svc.Wait(ctx, id)
	require.NoError(t, err)
	return rec
}

// stored reads the account file as plain records, keyed by id.
func (h *harness) stored(t *testing.T) map[string]map[string]any {
	t.Helper()
	b, err := os.ReadFile(h.path)
	require.NoError(t, err)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(b, &list))
	out := make(map[string]map[string]any, len(list))
	for _, rec := range list {
		out[rec["id"].(string)] = rec
	}
	return out
}

func TestRefreshUnknownAccountFailsBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, `{"id":"a@x.com","mail_password":"pw"}`)

	rec, err := h.svc.Submit([]string{"a@x.com", "ghost@x.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "ghost@x.com"}, rec.Params.AccountIDs)

	rec = h.wait(t, rec.ID)
	assert.Equal(t, batch.StatusFailed, rec.Status)
	require.Len(t, rec.Results, 2)
	assert.True(t, rec.Results[0].Success)
	assert.Equal(t, "a@x.com", rec.Results[0].Email)
	assert.False(t, rec.Results[1].Success)
	assert.Equal(t, "account not found", rec.Results[1].Error)
	assert.Equal(t, "not_found", rec.Results[1].Kind)
	assert.Equal(t, 1, rec.SuccessCount)
	assert.Equal(t, 1, rec.FailCount)
	assert.Equal(t, 2, rec.Progress)
}

func TestRefreshAllSucceed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false,
		`{"id":"a@x.com","mail_password":"pa","note":"keep"}`,
		`{"id":"b@x.com","mail_client_id":"cid","mail_refresh_token":"rt"}`,
		`{"id":"c@x.com","mail_password":"pc"}`,
	)
	events, cancel := h.bus.Subscribe(32)
	defer cancel()

	rec, err := h.svc.Submit([]string{"a@x.com", "b@x.com", "c@x.com"})
	require.NoError(t, err)
	rec = h.wait(t, rec.ID)

	assert.Equal(t, batch.StatusSuccess, rec.Status)
	assert.Zero(t, rec.FailCount)
	assert.Equal(t, 3, rec.SuccessCount)
	require.NotNil(t, rec.FinishedAt)
	finished := *rec.FinishedAt
	again, ok := h.svc.Task(rec.ID)
	require.True(t, ok)
	assert.Equal(t, finished, *again.FinishedAt)
	assert.Empty(t, h.svc.CurrentTaskID())

	list, err := h.store.LoadAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
	cfg := list[0].Config()
	assert.Equal(t, "fresh-a@x.com", cfg["secure_c_ses"])
	assert.Equal(t, "2030-01-01 00:00:00", cfg["expires_at"])
	assert.Equal(t, "pa", cfg["mail_password"])
	assert.Equal(t, "keep", cfg["note"])
	assert.Equal(t, "rt", list[1].Config()["mail_refresh_token"])

	// No display in the harness: every run is forced to headless dp.
	h.engine.mu.Lock()
	calls := h.engine.calls
	h.engine.mu.Unlock()
	require.Len(t, calls, 3)
	for _, o := range calls {
		assert.Equal(t, automation.KindDP, o.Kind)
		assert.True(t, o.Headless)
	}

	var updates int
	for len(events) > 0 {
		ev := <-events
		if ev.Type == eventbus.AccountsUpdated {
			updates++
			assert.Equal(t, 3, ev.Data.(login.AccountsUpdated).AccountFailureThreshold)
		}
	}
	assert.Equal(t, 3, updates)
}

func TestRefreshPerItemFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false,
		`{"id":"off@x.com","mail_password":"pw","disabled":true}`,
		`{"id":"bare@x.com"}`,
		`{"id":"blocked@x.com","mail_password":"pw"}`,
	)
	h.engine.fail["blocked@x.com"] = "captcha wall"

	rec, err := h.svc.Submit([]string{"off@x.com", "bare@x.com", "blocked@x.com"})
	require.NoError(t, err)
	rec = h.wait(t, rec.ID)

	assert.Equal(t, batch.StatusFailed, rec.Status)
	require.Len(t, rec.Results, 3)
	assert.Equal(t, "account disabled", rec.Results[0].Error)
	assert.Equal(t, "disabled", rec.Results[0].Kind)
	assert.Equal(t, "unsupported provider", rec.Results[1].Error)
	assert.Equal(t, "validation", rec.Results[1].Kind)
	assert.Equal(t, "captcha wall", rec.Results[2].Error)
	assert.Equal(t, "automation", rec.Results[2].Kind)
	assert.Equal(t, 3, rec.FailCount)
}

func TestRefreshDisabledWhenExternal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, `{"id":"a@x.com","mail_password":"pw"}`)

	_, err := h.svc.Submit([]string{"a@x.com"})
	assert.ErrorIs(t, err, batch.ErrDisabled)
	assert.Empty(t, h.svc.Tasks())
}

func TestRefreshRejectsEmptyIDs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)

	_, err := h.svc.Submit([]string{" ", ""})
	assert.Error(t, err)
	assert.Empty(t, h.svc.Tasks())
}

func TestRefreshKeepsOtherRecordsIntact(t *testing.T) {
	t.Parallel()
	ms := `{"id":"ms@x.com","disabled":false,"mail_provider":"microsoft","mail_address":"ms@x.com",` +
		`"mail_client_id":"cid","mail_refresh_token":"rt","mail_tenant":"consumers","mail_password":"keepme","secure_c_ses":"s-ms"}`
	gm := `{"id":"g@x.com","disabled":false,"mail_provider":"gmail","mail_password":"gp","mail_client_id":"gc",` +
		`"expires_at":"2026-01-01 00:00:00"}`
	h := newHarness(t, false, `{"id":"a@x.com","disabled":false,"mail_provider":"duckmail","mail_password":"pa"}`, ms, gm)
	before := h.stored(t)

	rec, err := h.svc.Submit([]string{"a@x.com"})
	require.NoError(t, err)
	rec = h.wait(t, rec.ID)
	require.Equal(t, batch.StatusSuccess, rec.Status)

	after := h.stored(t)
	require.Len(t, after, 3)
	for _, id := range []string{"ms@x.com", "g@x.com"} {
		assert.Equal(t, before[id], after[id], id)
	}
	var want map[string]any
	require.NoError(t, json.Unmarshal([]byte(ms), &want))
	assert.Equal(t, want, after["ms@x.com"])
	require.NoError(t, json.Unmarshal([]byte(gm), &want))
	assert.Equal(t, want, after["g@x.com"])

	a := after["a@x.com"]
	assert.Equal(t, "pa", a["mail_password"])
	assert.Equal(t, "duckmail", a["mail_provider"])
	assert.Equal(t, "fresh-a@x.com", a["secure_c_ses"])
}

func TestRefreshMicrosoftKeepsStoredPassword(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false,
		`{"id":"ms@x.com","mail_provider":"microsoft","mail_client_id":"cid","mail_refresh_token":"rt","mail_password":"keepme"}`)

	rec, err := h.svc.Submit([]string{"ms@x.com"})
	require.NoError(t, err)
	rec = h.wait(t, rec.ID)
	require.Equal(t, batch.StatusSuccess, rec.Status)

	got := h.stored(t)["ms@x.com"]
	assert.Equal(t, "keepme", got["mail_password"])
	assert.Equal(t, "rt", got["mail_refresh_token"])
	assert.Equal(t, "fresh-ms@x.com", got["secure_c_ses"])
}
