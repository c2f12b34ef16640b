package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseJSON(t *testing.T) {
	p := writeFile(t, "config.json", `{
		"telegram": {"token": "t", "owner_user_ids": [1, 2], "poll_timeout": "10s"},
		"basic": {"browser_engine": "uc", "refresh_window_hours": 2, "register_default_count": 5},
		"tasks": {"concurrency": 2, "item_timeout": "5m"},
		"refresh": {"schedule": "*/30 * * * *"}
	}`)
	cfg, err := NewManager(p).Parse()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "uc", cfg.Basic.BrowserEngine)
	require.NotNil(t, cfg.Basic.RefreshWindowHours)
	assert.Equal(t, 2.0, *cfg.Basic.RefreshWindowHours)
	assert.Equal(t, 2, cfg.Tasks.Concurrency)
	assert.True(t, cfg.RefreshEnabled())
}

func TestParseYAML(t *testing.T) {
	p := writeFile(t, "config.yaml", `
telegram:
  token: t
  owner_user_ids: [42]
basic:
  register_domain: dm.sbs
refresh:
  enabled: false
`)
	cfg, err := NewManager(p).Parse()
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "dm.sbs", cfg.Basic.RegisterDomain)
	assert.False(t, cfg.RefreshEnabled())
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  `{"telegram": {"tokn": "x"}}`,
		"trailing data":  `{} {}`,
		"bad duration":   `{"tasks": {"item_timeout": "soon"}}`,
		"window":         `{"basic": {"refresh_window_hours": 30}}`,
		"count":          `{"basic": {"register_default_count": 31}}`,
		"threshold":      `{"retry": {"account_failure_threshold": 11}}`,
		"cooldown":       `{"retry": {"rate_limit_cooldown_seconds": 10}}`,
		"session ttl":    `{"retry": {"session_cache_ttl_seconds": 100}}`,
		"engine":         `{"basic": {"browser_engine": "selenium"}}`,
		"negative delay": `{"tasks": {"register_min_interval": "-1s"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p := writeFile(t, "config.json", body)
			_, err := NewManager(p).Parse()
			assert.Error(t, err)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	w := -1.0
	cfg := &Config{
		Basic: BasicConfig{RefreshWindowHours: &w, RegisterDefaultCount: 99},
		Retry: RetryConfig{AccountFailureThreshold: 20},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "basic.refresh_window_hours")
	assert.Contains(t, err.Error(), "basic.register_default_count")
	assert.Contains(t, err.Error(), "retry.account_failure_threshold")
}

func TestLoadAndSubscribe(t *testing.T) {
	p := writeFile(t, "config.json", `{"basic": {"register_domain": "a.test"}}`)
	m := NewManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	ch, cancel := m.Subscribe(1)
	defer cancel()

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published, "unchanged content is not republished")

	require.NoError(t, os.WriteFile(p, []byte(`{"basic": {"register_domain": "b.test"}}`), 0o600))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, published)

	select {
	case got := <-ch:
		assert.Equal(t, "b.test", got.Basic.RegisterDomain)
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
	assert.Equal(t, "b.test", m.Get().Basic.RegisterDomain)
}

func TestReloadValidatorRejects(t *testing.T) {
	p := writeFile(t, "config.json", `{"refresh": {"schedule": "1h"}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Refresh.Schedule == "bogus" {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, os.WriteFile(p, []byte(`{"refresh": {"schedule": "bogus"}}`), 0o600))

	published, err := m.Reload(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.False(t, published)
	assert.Equal(t, "1h", m.Get().Refresh.Schedule)
}

func TestSlowSubscriberGetsLatest(t *testing.T) {
	m := NewManager("unused.json")
	ch, cancel := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	m.publish(a)
}

func TestDuration(t *testing.T) {
	d, err := Duration("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = Duration("x", " 2m ", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = Duration("x.y", "abc", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x.y")
}
