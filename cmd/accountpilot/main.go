package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"accountpilot/internal/app"
	"accountpilot/internal/task/batch"
	"accountpilot/pkg/systemd"
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	if err := Run(context.Background(), os.Args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// Run parses args and runs the selected command until it finishes or a
// termination signal arrives.
func Run(ctx context.Context, args []string, stdout io.Writer) error {
	ka := kingpin.New("accountpilot", "Keeps a pool of mail-backed accounts signed in.")
	ka.Version(Version)
	ka.DefaultEnvars()
	cfgPath := ka.Flag("config", "Path to the config file (JSON or YAML).").Default("./config.json").String()

	serveCmd := ka.Command("serve", "Run the daemon: chat commands, expiry scheduler, config hot reload.").Default()

	refreshCmd := ka.Command("refresh", "Refresh the given accounts once and exit.")
	refreshIDs := refreshCmd.Arg("id", "Account ids.").Required().Strings()

	dueCmd := ka.Command("refresh-due", "Refresh every account near expiry once and exit.")

	registerCmd := ka.Command("register", "Register new accounts once and exit.")
	registerCount := registerCmd.Flag("count", "Number of accounts (1-30); 0 uses basic.register_default_count.").Short('n').Int()
	registerDomain := registerCmd.Flag("domain", "Mailbox domain; empty uses basic.register_domain.").String()

	cmd, err := ka.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	a, err := app.New(*cfgPath)
	if err != nil {
		return err
	}

	mode := app.ModeOneshot
	if cmd == serveCmd.FullCommand() {
		mode = app.ModeDaemon
	}

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()
		g.Add(
			func() error {
				<-signalCtx.Done()
				return nil
			},
			func(error) { signalCancel() },
		)
	}

	// Application.
	{
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		g.Add(
			func() error {
				if err := a.Start(runCtx, mode); err != nil {
					return err
				}
				switch cmd {
				case serveCmd.FullCommand():
					return serve(runCtx, a)
				case refreshCmd.FullCommand():
					return oneshot(func() (batch.Status, error) {
						rec, err := a.Refresh().Submit(*refreshIDs)
						if err != nil {
							return "", err
						}
						done, err := a.Refresh().Wait(runCtx, rec.ID)
						report(stdout, done)
						return done.Status, err
					})
				case dueCmd.FullCommand():
					return oneshot(func() (batch.Status, error) {
						rec, ok, err := a.Expiry().Scan(runCtx)
						if err != nil || !ok {
							if err == nil {
								fmt.Fprintln(stdout, "no accounts near expiry")
							}
							return batch.StatusSuccess, err
						}
						done, err := a.Refresh().Wait(runCtx, rec.ID)
						report(stdout, done)
						return done.Status, err
					})
				case registerCmd.FullCommand():
					return oneshot(func() (batch.Status, error) {
						rec, err := a.Provision().Submit(*registerCount, *registerDomain)
						if err != nil {
							return "", err
						}
						done, err := a.Provision().Wait(runCtx, rec.ID)
						report(stdout, done)
						return done.Status, err
					})
				}
				return fmt.Errorf("unknown command %q", cmd)
			},
			func(error) {
				cancel()
				stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
				defer stop()
				_, _ = systemd.Stopping()
				if err := a.Stop(stopCtx); err != nil {
					fmt.Fprintf(os.Stderr, "shutdown: %s\n", err)
				}
			},
		)
	}

	return g.Run()
}

// serve blocks until ctx ends or a supervised component fails.
func serve(ctx context.Context, a *app.App) error {
	_, _ = systemd.Ready()
	go func() { _ = systemd.Watchdog(ctx) }()
	select {
	case <-ctx.Done():
		return nil
	case <-a.Done():
		err := a.Err()
		_, _ = systemd.Status("component failed: %v", err)
		return err
	}
}

var errBatchFailed = errors.New("batch finished with failures")

func oneshot(fn func() (batch.Status, error)) error {
	status, err := fn()
	if err != nil {
		return err
	}
	if status == batch.StatusFailed {
		return errBatchFailed
	}
	return nil
}

func report[P any](w io.Writer, rec batch.Record[P]) {
	fmt.Fprintf(w, "%s %s: %s (ok %d, failed %d)\n", rec.Op, rec.ID, rec.Status, rec.SuccessCount, rec.FailCount)
	for _, r := range rec.Results {
		if r.Success {
			fmt.Fprintf(w, "  + %s\n", r.Email)
		} else {
			fmt.Fprintf(w, "  - %s: %s\n", r.Email, r.Error)
		}
	}
}
