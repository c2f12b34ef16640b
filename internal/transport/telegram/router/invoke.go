package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "accountpilot/pkg/logx"
)

const (
	defaultCommandTimeout = 30 * time.Second
	slowCommand           = 750 * time.Millisecond
)

type HandlerFunc func(ctx context.Context, req *Request) error

// invoke runs one owner command under its timeout. A panicking handler is
// reported as an error reply instead of killing the dispatch loop.
func (r *Router) invoke(ctx context.Context, cmd Command, req *Request) (err error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := r.log.With(
		logx.String("cmd", req.Command),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.Msg.FromID),
	)
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Error("command panic", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
		took := time.Since(start)
		switch {
		case err != nil:
			log.Warn("command failed", logx.Duration("dur", took), logx.Err(err))
		case took >= slowCommand:
			log.Info("command done", logx.Duration("dur", took))
		default:
			log.Debug("command done", logx.Duration("dur", took))
		}
	}()
	return cmd.Handle(ctx, req)
}
