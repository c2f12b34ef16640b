package notifier

import (
	"context"
	"math/rand/v2"
	"time"

	kit "accountpilot/internal/transport"
	logx "accountpilot/pkg/logx"
)

const sendTimeout = 10 * time.Second

func (s *Service) drain(ctx context.Context, queue <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-queue:
			if !ok {
				return
			}
			s.deliver(ctx, n)
		}
	}
}

// deliver sends n under the rate limit, retrying failed sends.
func (s *Service) deliver(ctx context.Context, n Notification) {
	s.mu.Lock()
	cfg, limiter := s.cfg, s.limiter
	s.mu.Unlock()

	text := n.Severity.badge() + n.Text
	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := s.sender.SendText(sctx, n.Target, text, kit.Plain())
		cancel()
		if err == nil {
			s.remember(Delivered{At: time.Now(), Target: n.Target, Text: text})
			return
		}
		if attempt >= cfg.RetryMax {
			s.log.Warn("notification not delivered",
				logx.Int64("chat_id", n.Target.ChatID), logx.Int("attempts", attempt+1), logx.Err(err))
			return
		}
		s.log.Debug("notification send failed", logx.Int("attempt", attempt+1), logx.Err(err))

		t := time.NewTimer(backoff(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// backoff doubles from RetryBase per attempt, jittered by 30% either way.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for range attempt {
		if d >= cfg.RetryMaxDelay {
			break
		}
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	return min(time.Duration(float64(d)*(0.7+0.6*rand.Float64())), cfg.RetryMaxDelay)
}
