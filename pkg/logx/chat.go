package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxLen      = 3500
	chatMaxValueLen = 600
)

// chatSink is a zerolog.LevelWriter that mirrors records to a chat.
// Writes never block: records over the rate limit or a full queue are dropped.
type chatSink struct {
	sender Sender
	queue  chan string

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	startOnce sync.Once
	stop      context.CancelFunc
	done      chan struct{}
}

func newChatSink(sender Sender) *chatSink {
	return &chatSink{
		sender: sender,
		queue:  make(chan string, chatQueueSize),
		done:   make(chan struct{}),
	}
}

func (c *chatSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)

	c.mu.Lock()
	c.chatID = cfg.ChatID
	c.threadID = cfg.ThreadID
	c.minLevel = levelOf(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()

	if cfg.Enabled {
		c.startOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			c.mu.Lock()
			c.stop = cancel
			c.mu.Unlock()
			go c.deliver(ctx)
		})
	}
}

func (c *chatSink) close() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-c.done
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	ok := c.chatID != 0 && c.limiter != nil && level >= c.minLevel && c.limiter.Allow()
	c.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if text := renderChatLine(p); text != "" {
		select {
		case c.queue <- text:
		default:
		}
	}
	return len(p), nil
}

func (c *chatSink) deliver(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-c.queue:
			c.mu.Lock()
			chatID, threadID := c.chatID, c.threadID
			c.mu.Unlock()
			if chatID == 0 {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_ = c.sender.SendLog(sctx, chatID, threadID, text)
			cancel()
		}
	}
}

// renderChatLine turns one JSON record into "[LEVEL] message" followed by
// one "- key=value" line per field, keys sorted.
func renderChatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	if raw == "" {
		return ""
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return clip(raw, chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), chatMaxValueLen))
	}
	return clip(b.String(), chatMaxLen)
}

func clip(s string, n int) string {
	switch {
	case len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	default:
		return s[:n-3] + "..."
	}
}
