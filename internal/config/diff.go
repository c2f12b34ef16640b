package config

import (
	"reflect"
	"sort"
	"strings"

	logx "accountpilot/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (bot token, mail API key) are only
// ever reported as "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differ bool, fields ...logx.Field) {
		if !differ {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	section("telegram",
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
			!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
			strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
			ot.Commands != nt.Commands ||
			!reflect.DeepEqual(ot.Notify, nt.Notify) ||
			ot.Token != nt.Token,
		logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		logx.Bool("telegram.commands", nt.Commands),
		logx.Bool("telegram.token_changed", ot.Token != nt.Token),
	)

	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
	)

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	section("task_engine", (oldCfg.TaskEngine == nil) != (newCfg.TaskEngine == nil) || oTE != nTE,
		logx.Int("task_engine.workers", nTE.Workers),
		logx.Int("task_engine.queue_size", nTE.QueueSize),
		logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
		logx.Int("task_engine.retry_max", nTE.RetryMax),
	)

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	section("storage", oS != nS,
		logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
		logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
	)

	ob, nb := oldCfg.Basic, newCfg.Basic
	section("basic", !reflect.DeepEqual(ob, nb),
		logx.Bool("basic.proxy_set", strings.TrimSpace(nb.Proxy) != ""),
		logx.String("basic.duckmail_base_url", nb.DuckMailBaseURL),
		logx.Bool("basic.duckmail_api_key_set", nb.DuckMailAPIKey != ""),
		logx.String("basic.browser_engine", nb.BrowserEngine),
		logx.Bool("basic.browser_headless", nb.BrowserHeadless),
		logx.Float64("basic.refresh_window_hours", derefFloat(nb.RefreshWindowHours)),
		logx.Int("basic.register_default_count", nb.RegisterDefaultCount),
		logx.String("basic.register_domain", nb.RegisterDomain),
	)

	section("retry", oldCfg.Retry != newCfg.Retry,
		logx.Int("retry.account_failure_threshold", newCfg.Retry.AccountFailureThreshold),
		logx.Int("retry.rate_limit_cooldown_seconds", newCfg.Retry.RateLimitCooldownSeconds),
		logx.Int("retry.session_cache_ttl_seconds", newCfg.Retry.SessionCacheTTLSeconds),
	)

	// Env may carry credentials for the helpers: count only.
	section("automation", !reflect.DeepEqual(oldCfg.Automation, newCfg.Automation),
		logx.Strings("automation.dp_command", newCfg.Automation.DPCommand),
		logx.Strings("automation.uc_command", newCfg.Automation.UCCommand),
		logx.Int("automation.env_count", len(newCfg.Automation.Env)),
		logx.String("automation.timeout", newCfg.Automation.Timeout),
	)

	section("tasks", oldCfg.Tasks != newCfg.Tasks,
		logx.Int("tasks.concurrency", newCfg.Tasks.Concurrency),
		logx.Int("tasks.history_size", newCfg.Tasks.HistorySize),
		logx.String("tasks.item_timeout", newCfg.Tasks.ItemTimeout),
		logx.String("tasks.register_min_interval", newCfg.Tasks.RegisterMinInterval),
	)

	section("refresh",
		oldCfg.RefreshEnabled() != newCfg.RefreshEnabled() ||
			strings.TrimSpace(oldCfg.Refresh.Schedule) != strings.TrimSpace(newCfg.Refresh.Schedule),
		logx.Bool("refresh.enabled", newCfg.RefreshEnabled()),
		logx.String("refresh.schedule", strings.TrimSpace(newCfg.Refresh.Schedule)),
	)

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
