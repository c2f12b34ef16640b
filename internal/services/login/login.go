// Package login holds what refresh and provisioning share: the per-batch
// settings snapshot and the engine selection + sign-in step.
package login

import (
	"context"
	"fmt"
	"time"

	"accountpilot/internal/automation"
	"accountpilot/internal/eventbus"
	"accountpilot/internal/mail"
	"accountpilot/internal/task/batch"
)

// Settings is the immutable configuration a batch runs with. It is captured
// once at submit time so a reload cannot change a batch halfway through.
type Settings struct {
	RefreshWindowHours   float64
	RegisterDefaultCount int
	RegisterDomain       string
	RegisterMinInterval  time.Duration

	BrowserEngine     string
	BrowserHeadless   bool
	AutomationTimeout time.Duration
	Proxy             string
	UserAgent         string

	Mail mail.Settings

	AccountFailureThreshold  int
	RateLimitCooldownSeconds int
	SessionCacheTTLSeconds   int
}

// Engines selects and builds automation engines.
type Engines struct {
	Factory automation.Factory
	// HasDisplay defaults to automation.HasDisplay.
	HasDisplay func() bool
}

// Run signs identifier in with the configured engine and returns the extracted
// credential fields. Failures are classified as automation errors and keep the
// engine's message verbatim.
func Run(ctx context.Context, s Settings, e Engines, identifier string, mc mail.Client, logf batch.Logf) (map[string]any, error) {
	choice := automation.Select(s.BrowserEngine, s.BrowserHeadless, e.HasDisplay)
	if choice.Forced {
		logf("warning", "no display server: forcing dp engine in headless mode")
	}
	if e.Factory == nil {
		return nil, batch.Fail(batch.ErrAutomation, "no automation engine configured")
	}
	eng, err := e.Factory(automation.Options{
		Kind:      choice.Kind,
		Headless:  choice.Headless,
		Proxy:     s.Proxy,
		UserAgent: s.UserAgent,
		Timeout:   s.AutomationTimeout,
	})
	if err != nil {
		return nil, batch.Wrap(batch.ErrAutomation, err)
	}

	out, err := eng.LoginAndExtract(ctx, identifier, mc, automation.LogFunc(logf))
	if err != nil {
		return nil, batch.Wrap(batch.ErrAutomation, err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "automation failed"
		}
		return nil, batch.Fail(batch.ErrAutomation, msg)
	}
	if out.Config == nil {
		out.Config = map[string]any{}
	}
	return out.Config, nil
}

// AccountsUpdated is published after an operation persisted the account
// collection. It carries the pool policy so an account pool can rebuild itself.
type AccountsUpdated struct {
	Op                       string
	AccountID                string
	Total                    int
	AccountFailureThreshold  int
	RateLimitCooldownSeconds int
	SessionCacheTTLSeconds   int
}

func PublishAccountsUpdated(bus eventbus.Bus, s Settings, op, accountID string, total int) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: eventbus.AccountsUpdated, Data: AccountsUpdated{
		Op:                       op,
		AccountID:                accountID,
		Total:                    total,
		AccountFailureThreshold:  s.AccountFailureThreshold,
		RateLimitCooldownSeconds: s.RateLimitCooldownSeconds,
		SessionCacheTTLSeconds:   s.SessionCacheTTLSeconds,
	}})
}

// Prefixed returns a Logf that tags every line with the item key.
func Prefixed(logf batch.Logf, key string) batch.Logf {
	return func(level, format string, args ...any) {
		logf(level, "[%s] %s", key, fmt.Sprintf(format, args...))
	}
}
