// Package app wires configuration, storage, the worker pool and the account
// operations into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"accountpilot/internal/account"
	"accountpilot/internal/automation"
	"accountpilot/internal/config"
	"accountpilot/internal/eventbus"
	"accountpilot/internal/notifier"
	"accountpilot/internal/runtime/supervisor"
	"accountpilot/internal/services/expiry"
	"accountpilot/internal/services/login"
	"accountpilot/internal/services/provision"
	"accountpilot/internal/services/refresh"
	"accountpilot/internal/storage"
	"accountpilot/internal/task/engine"
	kit "accountpilot/internal/transport"
	telegram "accountpilot/internal/transport/telegram/adapter"
	"accountpilot/internal/transport/telegram/router"
	logx "accountpilot/pkg/logx"
)

// Mode selects what Start brings up.
type Mode int

const (
	// ModeDaemon runs everything: chat commands, the expiry scheduler and
	// config hot reload.
	ModeDaemon Mode = iota
	// ModeOneshot only starts what a single batch needs.
	ModeOneshot
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	mode Mode

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter *telegram.Adapter // nil without a bot token
	pool    *engine.Pool
	notif   *notifier.Service
	router  *router.Router

	refresh   *refresh.Service
	provision *provision.Service
	expiry    *expiry.Service

	msgs chan kit.Message
}

// New loads the config and opens the store. Operations are built by Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	var ad *telegram.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		poll, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
		if err != nil {
			return nil, err
		}
		ad, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll},
			logx.NewConsole("INFO"))
		if err != nil {
			return nil, err
		}
	}

	var sender logx.Sender
	if ad != nil {
		sender = ad
	}
	logSvc, log := logx.New(mapLogging(cfg), sender)
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorage(cfg, os.Getenv(account.ExternalEnv))
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.Bool("external", sc.External != ""))

	ec, err := mapEngine(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	nc, err := mapNotifier(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		pool:  engine.New(ec, log.With(logx.String("comp", "taskengine"))),
		msgs:  make(chan kit.Message, 64),
	}
	if ad != nil {
		a.adapter = ad
		a.notif = notifier.New(nc, ad, bus, log)
	}
	return a, nil
}

// settings snapshots the current config for a new batch.
func (a *App) settings() login.Settings {
	s, err := mapSettings(a.cfgm.Get())
	if err != nil {
		// Reloads are validated before commit; only a bad initial file gets here.
		a.log.Warn("settings invalid; using defaults", logx.Err(err))
		s, _ = mapSettings(&config.Config{})
	}
	return s
}

// engines resolves the helper programs at item start so a reload takes effect
// with the next item.
func (a *App) engines() login.Engines {
	return login.Engines{Factory: func(opts automation.Options) (automation.Engine, error) {
		helpers, err := mapHelpers(a.cfgm.Get())
		if err != nil {
			return nil, err
		}
		return automation.ExecFactory(helpers)(opts)
	}}
}

func (a *App) Refresh() *refresh.Service     { return a.refresh }
func (a *App) Provision() *provision.Service { return a.provision }
func (a *App) Expiry() *expiry.Service       { return a.expiry }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context, mode Mode) error {
	a.mode = mode
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	item, err := config.ParseDurationField("tasks.item_timeout", cfg.Tasks.ItemTimeout)
	if err != nil {
		return err
	}
	a.pool.Start(runCtx)

	a.refresh = refresh.New(runCtx, refresh.Deps{
		Accounts:    a.store,
		Audit:       a.store,
		Pool:        a.pool,
		Engines:     a.engines(),
		Settings:    a.settings,
		Bus:         a.bus,
		Log:         a.log,
		Concurrency: cfg.Tasks.Concurrency,
		HistorySize: cfg.Tasks.HistorySize,
		ItemTimeout: item,
	})
	a.provision = provision.New(runCtx, provision.Deps{
		Accounts:    a.store,
		Audit:       a.store,
		Pool:        a.pool,
		Engines:     a.engines(),
		Settings:    a.settings,
		Bus:         a.bus,
		Log:         a.log,
		Concurrency: cfg.Tasks.Concurrency,
		HistorySize: cfg.Tasks.HistorySize,
		ItemTimeout: item,
	})
	a.expiry, err = expiry.New(expiry.Deps{
		Accounts: a.store,
		Refresh:  a.refresh,
		Settings: a.settings,
		Schedule: strings.TrimSpace(cfg.Refresh.Schedule),
		Log:      a.log,
	})
	if err != nil {
		return fmt.Errorf("refresh.schedule: %w", err)
	}

	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.logEvents()

	if mode == ModeOneshot {
		a.log.Debug("app started (oneshot)")
		return nil
	}

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.msgs); err != nil {
			return err
		}
		if cfg.Telegram.Commands {
			a.router = router.New(a.adapter, cfg.Telegram.OwnerUserIDs, a.log)
			a.router.Register(router.OpsCommands(router.Ops{
				Refresh:   a.refresh,
				Provision: a.provision,
				Expiry:    a.expiry,
			})...)
			if err := a.adapter.UpdateMenuCommands(a.router.Commands()); err != nil {
				a.log.Warn("bot menu update failed", logx.Err(err))
			}
			a.sup.Go0("commands.dispatch", func(c context.Context) { a.router.Run(c, a.msgs) })
		}
	}

	if cfg.RefreshEnabled() {
		a.expiry.Start(runCtx)
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })
	sub, unsub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsub()
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Uint64("dropped", a.bus.Dropped()))
			}
		}
	})
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			next = c
		}
		// Bursts collapse into the newest config.
		for drained := false; !drained; {
			select {
			case c := <-sub:
				if c != nil {
					next = c
				}
			default:
				drained = true
			}
		}
		a.apply(ctx, last, next)
		last = next
	}
}

func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	a.logs.Apply(mapLogging(cfg))

	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed["tasks"] {
		a.log.Warn("tasks config changed; concurrency, history and item timeout apply after restart")
	}

	if ec, err := mapEngine(cfg); err == nil {
		a.pool.Apply(ec)
	}

	if a.router != nil {
		a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
	}

	if a.notif != nil {
		if nc, err := mapNotifier(cfg); err == nil {
			was := a.notif.Enabled()
			a.notif.Apply(nc)
			switch {
			case was && !nc.Enabled:
				a.withTimeout(ctx, 3*time.Second, a.notif.Stop)
			case !was && nc.Enabled:
				a.notif.Start(ctx)
			}
		}
	}

	if err := a.expiry.Apply(strings.TrimSpace(cfg.Refresh.Schedule)); err != nil {
		a.log.Warn("refresh schedule rejected; keeping previous", logx.Err(err))
	}
	switch on := cfg.RefreshEnabled(); {
	case on && !a.expiry.Running():
		a.expiry.Start(ctx)
	case !on && a.expiry.Running():
		a.withTimeout(ctx, 3*time.Second, func(c context.Context) { _ = a.expiry.Stop(c) })
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) withTimeout(ctx context.Context, d time.Duration, fn func(context.Context)) {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), d)
	defer cancel()
	fn(c)
}

// Stop shuts components down in dependency order. Every step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	var errs []error
	if a.expiry != nil {
		errs = append(errs, a.step(ctx, "expiry", 2*time.Second, a.expiry.Stop))
	}
	errs = append(errs, a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil }))
	if a.notif != nil {
		errs = append(errs, a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil }))
	}
	if a.adapter != nil && a.mode == ModeDaemon {
		errs = append(errs, a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop))
	}
	errs = append(errs,
		a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() }),
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait),
	)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// step runs fn with a deadline no later than the caller's. A step that
// overruns is logged and left behind; its late completion is logged too.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	c, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(c)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step slow", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-c.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return nil
	}
}
