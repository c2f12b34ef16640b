package notifier

import (
	"time"

	kit "accountpilot/internal/transport"
)

type Config struct {
	Enabled bool
	// Target receives notifications that do not name a chat.
	Target kit.ChatTarget
	// OnlyFailures limits task summaries to failed batches.
	OnlyFailures bool

	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

func (c Config) normalized() Config {
	c.Workers = max(c.Workers, 1)
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	c.RatePerSec = max(c.RatePerSec, 1)
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 500
	}
	return c
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityAlert
)

// badge is prepended to the text in the chat.
func (s Severity) badge() string {
	switch s {
	case SeverityAlert:
		return "🚨 "
	case SeverityWarning:
		return "⚠️ "
	default:
		return ""
	}
}

type Notification struct {
	Severity Severity
	Target   kit.ChatTarget
	Text     string
}

// Delivered is a notification that reached the chat.
type Delivered struct {
	At     time.Time
	Target kit.ChatTarget
	Text   string
}
