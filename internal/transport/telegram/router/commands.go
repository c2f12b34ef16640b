package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"accountpilot/internal/services/provision"
	"accountpilot/internal/services/refresh"
	"accountpilot/internal/task/batch"
)

type RefreshPort interface {
	Submit(ids []string) (refresh.Record, error)
	Task(id string) (refresh.Record, bool)
	Tasks() []refresh.Record
	CurrentTaskID() string
}

type ProvisionPort interface {
	Submit(count int, domain string) (provision.Record, error)
	Task(id string) (provision.Record, bool)
	Tasks() []provision.Record
	CurrentTaskID() string
}

type ScanPort interface {
	Scan(ctx context.Context) (refresh.Record, bool, error)
}

type Ops struct {
	Refresh   RefreshPort
	Provision ProvisionPort
	Expiry    ScanPort
}

// OpsCommands returns the operator command set.
func OpsCommands(ops Ops) []Command {
	return []Command{
		{
			Name:        "refresh",
			Usage:       "/refresh <id> [id...]",
			Description: "refresh the given accounts",
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) == 0 {
					return req.Reply(ctx, "usage: /refresh <id> [id...]")
				}
				rec, err := ops.Refresh.Submit(req.Args)
				if err != nil {
					return req.Reply(ctx, submitError("refresh", err))
				}
				return req.Reply(ctx, fmt.Sprintf("refresh task %s started (%d accounts)", rec.ID, rec.Total))
			},
		},
		{
			Name:        "refresh_due",
			Usage:       "/refresh_due",
			Description: "refresh accounts close to expiry",
			Handle: func(ctx context.Context, req *Request) error {
				rec, ok, err := ops.Expiry.Scan(ctx)
				if err != nil {
					return req.Reply(ctx, submitError("refresh", err))
				}
				if !ok {
					return req.Reply(ctx, "no accounts near expiry")
				}
				return req.Reply(ctx, fmt.Sprintf("refresh task %s started: %s", rec.ID, strings.Join(rec.Params.AccountIDs, ", ")))
			},
		},
		{
			Name:        "register",
			Usage:       "/register [count] [domain]",
			Description: "register new accounts",
			Handle: func(ctx context.Context, req *Request) error {
				count, domain := 0, ""
				for _, a := range req.Args {
					if n, err := strconv.Atoi(a); err == nil && count == 0 {
						count = n
						continue
					}
					domain = a
				}
				rec, err := ops.Provision.Submit(count, domain)
				if err != nil {
					return req.Reply(ctx, submitError("provision", err))
				}
				return req.Reply(ctx, fmt.Sprintf("provision task %s started (%d accounts)", rec.ID, rec.Params.Count))
			},
		},
		{
			Name:        "task",
			Usage:       "/task <id>",
			Description: "show a task",
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					return req.Reply(ctx, "usage: /task <id>")
				}
				id := req.Args[0]
				if rec, ok := ops.Refresh.Task(id); ok {
					return req.Reply(ctx, describe(refresh.Op, rec, true))
				}
				if rec, ok := ops.Provision.Task(id); ok {
					return req.Reply(ctx, describe(provision.Op, rec, true))
				}
				return req.Reply(ctx, "task not found")
			},
		},
		{
			Name:        "tasks",
			Usage:       "/tasks",
			Description: "list recent tasks",
			Handle: func(ctx context.Context, req *Request) error {
				var b strings.Builder
				writeRunning(&b, refresh.Op, ops.Refresh.CurrentTaskID())
				writeRunning(&b, provision.Op, ops.Provision.CurrentTaskID())
				for _, rec := range head(ops.Refresh.Tasks(), 5) {
					b.WriteString(describe(refresh.Op, rec, false))
					b.WriteByte('\n')
				}
				for _, rec := range head(ops.Provision.Tasks(), 5) {
					b.WriteString(describe(provision.Op, rec, false))
					b.WriteByte('\n')
				}
				if b.Len() == 0 {
					return req.Reply(ctx, "no tasks yet")
				}
				return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
			},
		},
	}
}

func submitError(op string, err error) string {
	switch {
	case errors.Is(err, batch.ErrConflict):
		return "a " + op + " task is already running"
	case errors.Is(err, batch.ErrDisabled):
		return "accounts are managed externally; " + op + " is disabled"
	default:
		return op + " failed: " + err.Error()
	}
}

func writeRunning(b *strings.Builder, op, id string) {
	if id != "" {
		fmt.Fprintf(b, "running %s: %s\n", op, id)
	}
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func describe[P any](op string, rec batch.Record[P], detail bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s %d/%d (ok %d, failed %d)", op, rec.ID, rec.Status, rec.Progress, rec.Total, rec.SuccessCount, rec.FailCount)
	if rec.FinishedAt != nil {
		fmt.Fprintf(&b, " in %s", rec.FinishedAt.Sub(rec.CreatedAt).Round(time.Second))
	}
	if !detail {
		return b.String()
	}
	for _, r := range rec.Results {
		if r.Success {
			fmt.Fprintf(&b, "\n+ %s", r.Email)
		} else {
			fmt.Fprintf(&b, "\n- %s: %s", r.Email, r.Error)
		}
	}
	return b.String()
}
