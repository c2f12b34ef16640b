package provision

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accountpilot/internal/account"
	"accountpilot/internal/automation"
	"accountpilot/internal/mail"
	"accountpilot/internal/services/login"
	"accountpilot/internal/storage"
	"accountpilot/internal/task/batch"
	"accountpilot/internal/task/engine"
	logx "accountpilot/pkg/logx"
)

type fakeRegistrar struct {
	n       int64
	addr    string
	fail    bool
	domains chan string
}

func (r *fakeRegistrar) Provider() account.Provider { return account.ProviderDuckMail }
func (r *fakeRegistrar) Address() string            { return r.addr }
func (r *fakeRegistrar) Password() string           { return "pw-" + r.addr }
func (r *fakeRegistrar) FetchCode(context.Context, time.Time) (string, error) {
	return "", mail.ErrNoCode
}

func (r *fakeRegistrar) Register(ctx context.Context, domain string) error {
	if r.domains != nil {
		r.domains <- domain
	}
	if r.fail {
		return errors.New("HTTP 429")
	}
	r.addr = fmt.Sprintf("user%d@%s", r.n, domain)
	return nil
}

type okEngine struct{ failFor string }

func (e okEngine) LoginAndExtract(ctx context.Context, id string, mc mail.Client, logf automation.LogFunc) (automation.Outcome, error) {
	if id == e.failFor {
		return automation.Outcome{Error: "login blocked"}, nil
	}
	return automation.Outcome{Success: true, Config: map[string]any{"secure_c_ses": "s-" + id, "expires_at": "2030-01-01 00:00:00"}}, nil
}

type harness struct {
	svc   *Service
	store storage.Store
}

type options struct {
	external     bool
	failRegister bool
	failLogin    string
	defaultCount int
	domain       string
	domains      chan string
	minInterval  time.Duration
}

func newHarness(t *testing.T, o options) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "accounts.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pool := engine.New(engine.Config{Workers: 2, QueueSize: 64}, logx.Nop())
	pool.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(stopCtx)
	})

	var seq atomic.Int64
	svc := New(ctx, Deps{
		Accounts: st,
		Audit:    st,
		Pool:     pool,
		Engines: login.Engines{
			Factory:    func(automation.Options) (automation.Engine, error) { return okEngine{failFor: o.failLogin}, nil },
			HasDisplay: func() bool { return true },
		},
		Registrar: func(mail.Settings) (mail.Registrar, error) {
			return &fakeRegistrar{n: seq.Add(1), fail: o.failRegister, domains: o.domains}, nil
		},
		Settings: func() login.Settings {
			return login.Settings{RegisterDefaultCount: o.defaultCount, RegisterDomain: o.domain, RegisterMinInterval: o.minInterval}
		},
		External: func() bool { return o.external },
	})
	return &harness{svc: svc, store: st}
}

func (h *harness) wait(t *testing.T, id string) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := h.svc.Wait(ctx, id)
	require.NoError(t, err)
	return rec
}

func TestClampCount(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 30, ClampCount(50, 1))
	assert.Equal(t, 1, ClampCount(-3, 0))
	assert.Equal(t, 5, ClampCount(0, 5))
	assert.Equal(t, 30, ClampCount(0, 99))
	assert.Equal(t, 7, ClampCount(7, 2))
}

func TestProvisionDisabledWhenExternal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, options{external: true})

	_, err := h.svc.Submit(2, "dm.sbs")
	assert.ErrorIs(t, err, batch.ErrDisabled)
	assert.Empty(t, h.svc.Tasks())
	assert.Empty(t, h.svc.CurrentTaskID())
}

func TestProvisionClampsCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, options{domain: "dm.sbs"})

	rec, err := h.svc.Submit(50, "")
	require.NoError(t, err)
	assert.Equal(t, 30, rec.Params.Count)
	assert.Equal(t, 30, rec.Total)

	rec = h.wait(t, rec.ID)
	assert.Equal(t, batch.StatusSuccess, rec.Status)
	list, err := h.store.LoadAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 30)
}

func TestProvisionStoresNewAccounts(t *testing.T) {
	t.Parallel()
	domains := make(chan string, 4)
	h := newHarness(t, options{defaultCount: 2, domain: "default.sbs", domains: domains})

	rec, err := h.svc.Submit(0, " custom.sbs ")
	require.NoError(t, err)
	assert.Equal(t, Params{Count: 2, Domain: "custom.sbs"}, rec.Params)
	rec = h.wait(t, rec.ID)

	assert.Equal(t, batch.StatusSuccess, rec.Status)
	assert.Equal(t, "custom.sbs", <-domains)

	list, err := h.store.LoadAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	for i, a := range list {
		require.NoError(t, a.Validate())
		assert.Equal(t, account.ProviderDuckMail, a.Provider())
		cfg := a.Config()
		assert.Equal(t, "pw-"+a.ID, cfg["mail_password"])
		assert.Equal(t, "s-"+a.ID, cfg["secure_c_ses"])
		assert.Equal(t, rec.Results[i].Email, a.ID)
	}
}

func TestProvisionRegistrationFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, options{failRegister: true, domain: "dm.sbs"})

	rec, err := h.svc.Submit(2, "")
	require.NoError(t, err)
	rec = h.wait(t, rec.ID)

	assert.Equal(t, batch.StatusFailed, rec.Status)
	require.Len(t, rec.Results, 2)
	for i, r := range rec.Results {
		assert.False(t, r.Success)
		assert.Equal(t, "registration failed", r.Error)
		assert.Equal(t, "registration", r.Kind)
		assert.Equal(t, fmt.Sprintf("#%d", i+1), r.Email)
	}
	list, err := h.store.LoadAccounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestProvisionLoginFailureNamesMailbox(t *testing.T) {
	t.Parallel()
	h := newHarness(t, options{failLogin: "user1@dm.sbs", domain: "dm.sbs"})

	rec, err := h.svc.Submit(1, "")
	require.NoError(t, err)
	rec = h.wait(t, rec.ID)

	require.Len(t, rec.Results, 1)
	assert.Equal(t, "login blocked", rec.Results[0].Error)
	assert.Equal(t, "user1@dm.sbs", rec.Results[0].Email)
	assert.Equal(t, "automation", rec.Results[0].Kind)
}

func TestProvisionPacing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, options{domain: "dm.sbs", minInterval: 60 * time.Millisecond})

	start := time.Now()
	rec, err := h.svc.Submit(3, "")
	require.NoError(t, err)
	rec = h.wait(t, rec.ID)
	assert.Equal(t, batch.StatusSuccess, rec.Status)
	// first registration is immediate, the next two wait one interval each
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	assert.Same(t, h.svc.limiter(60*time.Millisecond), h.svc.limiter(60*time.Millisecond))
	assert.Nil(t, h.svc.limiter(0))
}
