package notifier

import (
	"context"
	"errors"
	"fmt"

	"accountpilot/internal/eventbus"
	"accountpilot/internal/task/batch"
	logx "accountpilot/pkg/logx"
)

// summarize turns finished tasks into chat notifications.
func (s *Service) summarize(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			te, ok := ev.Data.(batch.TaskEvent)
			if !ok {
				continue
			}
			n, ok := s.taskSummary(te)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Warn("task summary not queued", logx.String("task", te.TaskID), logx.Err(err))
			}
		}
	}
}

// taskSummary describes a finished batch. A batch with no success at all is
// an alert, one with some failures a warning.
func (s *Service) taskSummary(te batch.TaskEvent) (Notification, bool) {
	s.mu.Lock()
	onlyFailures := s.cfg.OnlyFailures
	s.mu.Unlock()

	if te.Status == batch.StatusSuccess && te.Failed == 0 && onlyFailures {
		return Notification{}, false
	}
	n := Notification{
		Text: fmt.Sprintf("%s task %s %s: %d ok, %d failed of %d",
			te.Op, te.TaskID, te.Status, te.Succeeded, te.Failed, te.Succeeded+te.Failed),
	}
	switch {
	case te.Failed > 0 && te.Succeeded == 0:
		n.Severity = SeverityAlert
	case te.Failed > 0 || te.Status == batch.StatusFailed:
		n.Severity = SeverityWarning
	}
	return n, true
}
