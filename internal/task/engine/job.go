// Package engine runs blocking per-account work on a bounded pool.
//
// Every batch hands its items to the same Pool, so Config.Workers caps the
// number of browser sessions open at once across refresh and provision.
package engine

import (
	"context"
	"time"
)

type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout applies to jobs without their own. 0 means none.
	DefaultTimeout time.Duration

	HistorySize int

	// RetryMax is how many times a failed job is retried. 0 runs it once.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// Job is one blocking unit of work, usually a single account.
type Job struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// RetryMax > 0 overrides Config.RetryMax; -1 disables retries.
	RetryMax int
}

// Record describes a finished job.
type Record struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

type Stats struct {
	Running  bool
	Workers  int
	Queued   int
	Capacity int
	Busy     int

	DefaultTimeout time.Duration
	RetryMax       int

	History []Record
}
