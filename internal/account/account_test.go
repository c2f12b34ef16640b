package account

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, js string) Account {
	t.Helper()
	var a Account
	require.NoError(t, json.Unmarshal([]byte(js), &a))
	return a
}

func TestProviderResolution(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		in       string
		provider Provider
		err      error
	}{
		"explicit duckmail": {
			in:       `{"id":"a@x.com","mail_provider":"DuckMail","mail_password":"pw"}`,
			provider: ProviderDuckMail,
		},
		"inferred microsoft from client id": {
			in:       `{"id":"a@x.com","mail_client_id":"cid","mail_refresh_token":"rt"}`,
			provider: ProviderMicrosoft,
		},
		"inferred microsoft missing token": {
			in:       `{"id":"a@x.com","mail_refresh_token":"rt"}`,
			provider: ProviderMicrosoft,
			err:      ErrOAuthMissing,
		},
		"inferred duckmail from legacy password key": {
			in:       `{"id":"a@x.com","email_password":"pw"}`,
			provider: ProviderDuckMail,
		},
		"explicit duckmail without password": {
			in:       `{"id":"a@x.com","mail_provider":"duckmail"}`,
			provider: ProviderDuckMail,
			err:      ErrPasswordMissing,
		},
		"nothing to infer from": {
			in:  `{"id":"a@x.com"}`,
			err: ErrUnsupportedProvider,
		},
		"unknown tag": {
			in:  `{"id":"a@x.com","mail_provider":"gmail","mail_password":"pw"}`,
			err: ErrUnsupportedProvider,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			a := decode(t, tt.in)
			assert.Equal(t, tt.provider, a.Provider())
			err := a.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestMicrosoftDefaults(t *testing.T) {
	t.Parallel()
	a := decode(t, `{"id":"a@x.com","mail_client_id":"cid","mail_refresh_token":"rt"}`)
	ms, ok := a.Mailbox.(*Microsoft)
	require.True(t, ok)
	assert.Equal(t, DefaultTenant, ms.Tenant)
	assert.Equal(t, "a@x.com", ms.Email, "address falls back to the id")
}

func TestRoundTripKeepsUnknownFields(t *testing.T) {
	t.Parallel()
	in := `{"id":"a@x.com","secure_c_ses":"cookie","csesidx":"7","disabled":true,"expires_at":"2026-01-02 03:04:05","email_password":"pw"}`
	a := decode(t, in)

	b, err := json.Marshal(a)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))

	assert.Equal(t, "cookie", out["secure_c_ses"])
	assert.Equal(t, "7", out["csesidx"])
	assert.Equal(t, true, out["disabled"])
	assert.Equal(t, "2026-01-02 03:04:05", out["expires_at"])
	assert.Equal(t, "duckmail", out["mail_provider"])
	assert.Equal(t, "pw", out["mail_password"])
	assert.NotContains(t, out, "email_password")
}

func TestRoundTripKeepsUnmodeledMailboxKeys(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want map[string]any
	}{
		{
			name: "microsoft with stored password",
			in:   `{"id":"ms@x.com","mail_client_id":"cid","mail_refresh_token":"rt","mail_password":"keepme"}`,
			want: map[string]any{"mail_password": "keepme", "mail_client_id": "cid", "mail_tenant": DefaultTenant},
		},
		{
			name: "unknown provider",
			in:   `{"id":"g@x.com","mail_provider":"gmail","mail_password":"gp","mail_client_id":"gc","mail_tenant":"t"}`,
			want: map[string]any{"mail_provider": "gmail", "mail_password": "gp", "mail_client_id": "gc", "mail_tenant": "t"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := decode(t, tc.in)
			a.MergeCredentials(map[string]any{"secure_c_ses": "new", "mail_password": "hijacked"})

			out := a.Config()
			for k, v := range tc.want {
				assert.Equal(t, v, out[k], k)
			}
			again, err := FromMap(out)
			require.NoError(t, err)
			assert.Equal(t, out, again.Config())
		})
	}
}

func TestMergePreservesOwnedFields(t *testing.T) {
	t.Parallel()
	a := decode(t, `{"id":"a@x.com","disabled":false,"mail_client_id":"cid","mail_refresh_token":"rt","mail_tenant":"common","secure_c_ses":"old"}`)

	a.MergeCredentials(map[string]any{
		"secure_c_ses":       "new",
		"expires_at":         "2026-05-01 10:00:00",
		"mail_refresh_token": "hijacked",
		"disabled":           true,
		"id":                 "other",
	})

	assert.Equal(t, "a@x.com", a.ID)
	assert.False(t, a.Disabled)
	assert.Equal(t, "2026-05-01 10:00:00", a.ExpiresAt)
	assert.Equal(t, "new", a.Fields["secure_c_ses"])
	ms := a.Mailbox.(*Microsoft)
	assert.Equal(t, "rt", ms.RefreshToken)
	assert.Equal(t, "common", ms.Tenant)
}

func TestNewProvisionedAndUpsert(t *testing.T) {
	t.Parallel()
	acc := NewProvisioned(map[string]any{"id": "n@dm.sbs", "csesidx": "1"}, "n@dm.sbs", "secret")
	assert.Equal(t, ProviderDuckMail, acc.Provider())
	require.NoError(t, acc.Validate())

	list := []Account{{ID: "a"}, {ID: "n@dm.sbs"}}
	list = Upsert(list, acc)
	require.Len(t, list, 2)
	assert.Equal(t, "1", list[1].Fields["csesidx"])

	list = Upsert(list, NewProvisioned(map[string]any{}, "z@dm.sbs", "pw"))
	require.Len(t, list, 3)
	assert.Equal(t, "z@dm.sbs", list[2].ID)
}

func TestDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, ExpiryZone)
	at := func(d time.Duration) string { return now.Add(d).Format(ExpiryLayout) }

	list := []Account{
		{ID: "X", ExpiresAt: at(30 * time.Minute), Mailbox: &DuckMail{Email: "X", Password: "pw"}},
		{ID: "Y", ExpiresAt: at(2 * time.Hour), Mailbox: &DuckMail{Email: "Y", Password: "pw"}},
		{ID: "expired", ExpiresAt: at(-time.Hour), Mailbox: &DuckMail{Email: "expired", Password: "pw"}},
		{ID: "disabled", Disabled: true, ExpiresAt: at(time.Minute), Mailbox: &DuckMail{Email: "d", Password: "pw"}},
		{ID: "invalid", ExpiresAt: at(time.Minute), Mailbox: &DuckMail{Email: "i"}},
		{ID: "no-expiry", Mailbox: &DuckMail{Email: "n", Password: "pw"}},
		{ID: "garbage", ExpiresAt: "soon", Mailbox: &DuckMail{Email: "g", Password: "pw"}},
	}

	assert.Equal(t, []string{"X", "expired"}, Due(list, now, 1))
	assert.Equal(t, []string{"X", "Y", "expired"}, Due(list, now.In(time.UTC), 2))
}

func TestExternallyManaged(t *testing.T) {
	t.Setenv(ExternalEnv, "")
	assert.False(t, ExternallyManaged())
	t.Setenv(ExternalEnv, `[{"id":"a"}]`)
	assert.True(t, ExternallyManaged())
}
