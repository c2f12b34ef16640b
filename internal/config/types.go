package config

type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Telegram   TelegramConfig    `json:"telegram"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Basic holds the business settings batches are run with.
	Basic      BasicConfig      `json:"basic"`
	Retry      RetryConfig      `json:"retry"`
	Automation AutomationConfig `json:"automation"`
	Tasks      TasksConfig      `json:"tasks"`
	Refresh    RefreshConfig    `json:"refresh"`
}

// TaskEngineConfig controls the shared worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize   int    `json:"history_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// StorageConfig selects where accounts live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/accounts.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id receiving logs and task notifications.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// Commands enables the operator command handler.
	Commands bool          `json:"commands"`
	Notify   *NotifyConfig `json:"notify,omitempty"`
}

// NotifyConfig controls task summaries sent to telegram.group_log.
// Omitted means enabled with defaults whenever a group is configured.
type NotifyConfig struct {
	Enabled      bool   `json:"enabled"`
	ThreadID     int    `json:"thread_id,omitempty"`
	OnlyFailures bool   `json:"only_failures,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
	DedupWindow  string `json:"dedup_window,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type BasicConfig struct {
	Proxy     string `json:"proxy"`
	UserAgent string `json:"user_agent,omitempty"`

	DuckMailBaseURL   string `json:"duckmail_base_url"`
	DuckMailAPIKey    string `json:"duckmail_api_key"`
	DuckMailVerifySSL *bool  `json:"duckmail_verify_ssl,omitempty"`

	// BrowserEngine is "dp" or "uc".
	BrowserEngine   string `json:"browser_engine"`
	BrowserHeadless bool   `json:"browser_headless"`

	RefreshWindowHours   *float64 `json:"refresh_window_hours,omitempty"`
	RegisterDefaultCount int      `json:"register_default_count"`
	RegisterDomain       string   `json:"register_domain"`
}

// RetryConfig is the account pool policy forwarded with accounts.updated.
type RetryConfig struct {
	AccountFailureThreshold  int `json:"account_failure_threshold"`
	RateLimitCooldownSeconds int `json:"rate_limit_cooldown_seconds"`
	SessionCacheTTLSeconds   int `json:"session_cache_ttl_seconds"`
}

// AutomationConfig names the helper programs behind each engine.
type AutomationConfig struct {
	DPCommand []string `json:"dp_command"`
	UCCommand []string `json:"uc_command"`
	Env       []string `json:"env,omitempty"`

	Timeout      string `json:"timeout,omitempty"`
	CodeTimeout  string `json:"code_timeout,omitempty"`
	CodeInterval string `json:"code_interval,omitempty"`
	MailTimeout  string `json:"mail_timeout,omitempty"`
}

type TasksConfig struct {
	// Concurrency is the number of items of one batch in flight. Default 1.
	Concurrency         int    `json:"concurrency,omitempty"`
	HistorySize         int    `json:"history_size,omitempty"`
	ItemTimeout         string `json:"item_timeout,omitempty"`
	RegisterMinInterval string `json:"register_min_interval,omitempty"`
}

type RefreshConfig struct {
	// Enabled turns on the expiry scheduler. nil means enabled.
	Enabled *bool `json:"enabled,omitempty"`
	// Schedule is a duration, HH:MM interval, seconds or cron expression.
	Schedule string `json:"schedule,omitempty"`
}

// RefreshEnabled reports whether the expiry scheduler should run.
func (c *Config) RefreshEnabled() bool {
	return c.Refresh.Enabled == nil || *c.Refresh.Enabled
}
