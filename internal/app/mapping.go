package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"accountpilot/internal/automation"
	"accountpilot/internal/config"
	"accountpilot/internal/mail"
	"accountpilot/internal/notifier"
	"accountpilot/internal/services/expiry"
	"accountpilot/internal/services/login"
	"accountpilot/internal/storage"
	"accountpilot/internal/task/engine"
	kit "accountpilot/internal/transport"
	logx "accountpilot/pkg/logx"
)

const (
	defaultDuckMailBaseURL = "https://api.duckmail.sbs"
	defaultMailTimeout     = 30 * time.Second
	defaultPollTimeout     = 10 * time.Second
)

// groupChat parses telegram.group_log. ok is false when it is unset.
func groupChat(cfg *config.Config) (int64, bool, error) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("telegram.group_log: invalid chat id %q", raw)
	}
	return id, true, nil
}

func mapLogging(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if id, ok, err := groupChat(cfg); err == nil && ok {
		lc.Telegram.ChatID = id
	} else {
		lc.Telegram.Enabled = false
	}
	return lc
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}, nil
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	base, err := config.ParseDurationField("task_engine.retry_base", te.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.retry_max_delay", te.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
	}, nil
}

// mapStorage resolves the store. external is the externally supplied account
// list (ACCOUNTS_CONFIG), empty when accounts are managed locally.
func mapStorage(cfg *config.Config, external string) (storage.Config, error) {
	sc := storage.Config{Driver: "file", Path: "./data/accounts.json", External: external}
	if cfg.Storage == nil {
		return sc, nil
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d != "" {
		sc.Driver = d
	}
	switch sc.Driver {
	case "file", "sqlite", "sqlite3", "none":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if p := strings.TrimSpace(cfg.Storage.Path); p != "" {
		sc.Path = p
	} else if sc.Driver != "file" && sc.Driver != "none" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", sc.Driver)
	}
	busy, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	sc.BusyTimeout = busy
	return sc, nil
}

// mapSettings builds the snapshot a batch runs with.
func mapSettings(cfg *config.Config) (login.Settings, error) {
	b := cfg.Basic
	mailTimeout, err := config.Duration("automation.mail_timeout", cfg.Automation.MailTimeout, defaultMailTimeout)
	if err != nil {
		return login.Settings{}, err
	}
	autoTimeout, err := config.ParseDurationField("automation.timeout", cfg.Automation.Timeout)
	if err != nil {
		return login.Settings{}, err
	}
	interval, err := config.ParseDurationField("tasks.register_min_interval", cfg.Tasks.RegisterMinInterval)
	if err != nil {
		return login.Settings{}, err
	}

	base := strings.TrimSpace(b.DuckMailBaseURL)
	if base == "" {
		base = defaultDuckMailBaseURL
	}
	verify := b.DuckMailVerifySSL == nil || *b.DuckMailVerifySSL
	window := 0.0
	if b.RefreshWindowHours != nil {
		window = *b.RefreshWindowHours
	}

	return login.Settings{
		RefreshWindowHours:   window,
		RegisterDefaultCount: b.RegisterDefaultCount,
		RegisterDomain:       strings.TrimSpace(b.RegisterDomain),
		RegisterMinInterval:  interval,

		BrowserEngine:     b.BrowserEngine,
		BrowserHeadless:   b.BrowserHeadless,
		AutomationTimeout: autoTimeout,
		Proxy:             strings.TrimSpace(b.Proxy),
		UserAgent:         b.UserAgent,

		Mail: mail.Settings{
			DuckMailBaseURL:   base,
			DuckMailAPIKey:    b.DuckMailAPIKey,
			DuckMailVerifySSL: verify,
			Proxy:             strings.TrimSpace(b.Proxy),
			UserAgent:         b.UserAgent,
			RequestTimeout:    mailTimeout,
		},

		AccountFailureThreshold:  orDefault(cfg.Retry.AccountFailureThreshold, 3),
		RateLimitCooldownSeconds: orDefault(cfg.Retry.RateLimitCooldownSeconds, 300),
		SessionCacheTTLSeconds:   orDefault(cfg.Retry.SessionCacheTTLSeconds, 3600),
	}, nil
}

// mapHelpers returns the helper program per engine kind.
func mapHelpers(cfg *config.Config) (map[automation.Kind]automation.ExecConfig, error) {
	codeTimeout, err := config.ParseDurationField("automation.code_timeout", cfg.Automation.CodeTimeout)
	if err != nil {
		return nil, err
	}
	codeInterval, err := config.ParseDurationField("automation.code_interval", cfg.Automation.CodeInterval)
	if err != nil {
		return nil, err
	}
	out := map[automation.Kind]automation.ExecConfig{}
	for kind, cmd := range map[automation.Kind][]string{
		automation.KindDP: cfg.Automation.DPCommand,
		automation.KindUC: cfg.Automation.UCCommand,
	} {
		if len(cmd) == 0 {
			continue
		}
		out[kind] = automation.ExecConfig{
			Command:      cmd,
			Env:          cfg.Automation.Env,
			CodeTimeout:  codeTimeout,
			CodeInterval: codeInterval,
		}
	}
	return out, nil
}

// mapNotifier enables task summaries when a group chat is configured, unless
// telegram.notify turns them off.
func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	chat, ok, err := groupChat(cfg)
	if err != nil {
		return notifier.Config{}, err
	}
	nc := notifier.Config{
		Enabled:         ok,
		Target:          kit.ChatTarget{ChatID: chat},
		Workers:         1,
		RatePerSec:      1,
		RetryMax:        3,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 500,
	}
	n := cfg.Telegram.Notify
	if n == nil {
		return nc, nil
	}
	window, err := config.Duration("telegram.notify.dedup_window", n.DedupWindow, time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	nc.Enabled = ok && n.Enabled
	nc.Target.ThreadID = n.ThreadID
	nc.OnlyFailures = n.OnlyFailures
	nc.RatePerSec = orDefault(n.RatePerSec, nc.RatePerSec)
	nc.RetryMax = orDefault(n.RetryMax, nc.RetryMax)
	nc.DedupWindow = window
	return nc, nil
}

// validate rejects a reload that could not be applied.
func validate(cfg *config.Config) error {
	if _, err := mapEngine(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg, ""); err != nil {
		return err
	}
	if _, err := mapSettings(cfg); err != nil {
		return err
	}
	if _, err := mapHelpers(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	spec := strings.TrimSpace(cfg.Refresh.Schedule)
	if spec == "" {
		spec = expiry.DefaultSchedule
	}
	if _, err := expiry.ParseSchedule(spec); err != nil {
		return fmt.Errorf("refresh.schedule: %w", err)
	}
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
