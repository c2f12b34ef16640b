package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks value ranges and duration fields.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	b := c.Basic
	switch strings.ToLower(strings.TrimSpace(b.BrowserEngine)) {
	case "", "dp", "uc":
	default:
		errs = append(errs, fmt.Errorf("basic.browser_engine: unknown engine %q (use dp or uc)", b.BrowserEngine))
	}
	if b.RefreshWindowHours != nil {
		w := *b.RefreshWindowHours
		check(w >= 0 && w <= 24, "basic.refresh_window_hours: %v out of range [0,24]", w)
	}
	check(b.RegisterDefaultCount >= 0 && b.RegisterDefaultCount <= 30,
		"basic.register_default_count: %d out of range [0,30]", b.RegisterDefaultCount)

	r := c.Retry
	check(r.AccountFailureThreshold == 0 || (r.AccountFailureThreshold >= 1 && r.AccountFailureThreshold <= 10),
		"retry.account_failure_threshold: %d out of range [1,10]", r.AccountFailureThreshold)
	check(r.RateLimitCooldownSeconds == 0 || (r.RateLimitCooldownSeconds >= 60 && r.RateLimitCooldownSeconds <= 3600),
		"retry.rate_limit_cooldown_seconds: %d out of range [60,3600]", r.RateLimitCooldownSeconds)
	check(r.SessionCacheTTLSeconds == 0 || (r.SessionCacheTTLSeconds >= 300 && r.SessionCacheTTLSeconds <= 86400),
		"retry.session_cache_ttl_seconds: %d out of range [300,86400]", r.SessionCacheTTLSeconds)

	check(c.Tasks.Concurrency >= 0, "tasks.concurrency: must be >= 0")
	check(c.Tasks.HistorySize >= 0, "tasks.history_size: must be >= 0")

	durations := map[string]string{
		"telegram.poll_timeout":       c.Telegram.PollTimeout,
		"automation.timeout":          c.Automation.Timeout,
		"automation.code_timeout":     c.Automation.CodeTimeout,
		"automation.code_interval":    c.Automation.CodeInterval,
		"automation.mail_timeout":     c.Automation.MailTimeout,
		"tasks.item_timeout":          c.Tasks.ItemTimeout,
		"tasks.register_min_interval": c.Tasks.RegisterMinInterval,
	}
	if te := c.TaskEngine; te != nil {
		durations["task_engine.default_timeout"] = te.DefaultTimeout
		durations["task_engine.retry_base"] = te.RetryBase
		durations["task_engine.retry_max_delay"] = te.RetryMaxDelay
	}
	if s := c.Storage; s != nil {
		durations["storage.busy_timeout"] = s.BusyTimeout
	}
	if n := c.Telegram.Notify; n != nil {
		durations["telegram.notify.dedup_window"] = n.DedupWindow
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
