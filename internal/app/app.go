// Package app wires the obligation runner to its stores, collaborators,
// trigger, ops surface and config reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"keepsched/internal/alerts"
	"keepsched/internal/billing"
	"keepsched/internal/breaker"
	"keepsched/internal/config"
	"keepsched/internal/eventbus"
	"keepsched/internal/notifier"
	"keepsched/internal/obligation"
	"keepsched/internal/observability/ops"
	"keepsched/internal/runtime/supervisor"
	"keepsched/internal/storage"
	"keepsched/internal/task/scheduler"
	logx "keepsched/pkg/logx"
	"keepsched/pkg/systemd"
)

// TickJob is the scheduler name of the obligation tick.
const TickJob = "obligations"

type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.Store
	brk     *breaker.Set
	notif   *notifier.Service
	billing obligation.Billing
	runner  *obligation.Runner
	sched   *scheduler.Service
	ops     *ops.Service
	alerter *alerts.Alerter
	sd      *systemd.Notifier

	sup *supervisor.Supervisor

	// Owned by the reload loop after Start.
	applied     *config.Config
	interval    string
	tickTimeout time.Duration
}

// New builds the daemon from the committed config of cfgm (loading it if
// nothing is committed yet). Nothing runs until Start.
func New(cfgm *config.ConfigManager) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg))
	a := &App{cfgm: cfgm, logs: logs, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	if err := a.build(cfg, log); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	sc, _ := mapStorage(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	bc, _ := mapBreaker(cfg)
	a.brk = breaker.NewSet(bc)

	nc, _ := mapNotifier(cfg)
	transport, err := notifier.NewTransport(nc, log)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	a.notif = notifier.New(nc, transport, store, a.brk.Get("brevo"), log, a.bus)

	bcfg, _ := mapBilling(cfg)
	if a.billing, err = billing.Open(bcfg, a.brk, log); err != nil {
		return fmt.Errorf("billing: %w", err)
	}

	rc, _ := mapRunner(cfg)
	a.runner, err = obligation.NewRunner(rc, obligation.Deps{
		Reminders:     store,
		Subscriptions: store,
		Notifier:      a.notif,
		Billing:       a.billing,
		Bus:           a.bus,
		Log:           log,
	})
	if err != nil {
		return err
	}

	schedCfg, interval, timeout, _ := mapScheduler(cfg)
	a.sched = scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")))
	if err := a.sched.Add(TickJob, interval, timeout, a.tick); err != nil {
		return fmt.Errorf("scheduler.interval: %w", err)
	}
	a.interval, a.tickTimeout = interval, timeout

	oc, _ := mapOps(cfg)
	a.ops = ops.New(oc, ops.Sources{
		Scheduler:     a.sched.Snapshot,
		LastTick:      a.runner.LastReport,
		Breakers:      a.brk.Snapshot,
		Notifications: a.notif.History,
		Goroutines:    func() []supervisor.Stats { return a.supervisor().Snapshot() },
		Ready:         a.ready,
	}, log)

	ac, _ := mapAlerts(cfg)
	if ac.Enabled {
		tg, err := alerts.NewTelegram(ac)
		if err != nil {
			return fmt.Errorf("alerts: %w", err)
		}
		if a.alerter, err = alerts.New(ac, tg, log); err != nil {
			return err
		}
	}

	a.sd = systemd.NewNotifier(cfg.Systemd.Notify, cfg.Systemd.Watchdog, log)
	return nil
}

// Runner exposes the tick runner (used by the one-shot tick command).
func (a *App) Runner() *obligation.Runner { return a.runner }

// Store exposes the obligation store.
func (a *App) Store() storage.Store { return a.store }

// Bus exposes the event bus.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) supervisor() *supervisor.Supervisor {
	if a == nil {
		return nil
	}
	return a.sup
}

func (a *App) ready() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// TickOnce runs a single tick at now outside the scheduler and waits until
// its audit rows are written. The app must not be started.
func (a *App) TickOnce(ctx context.Context, now time.Time) obligation.TickReport {
	ch, unsub := a.bus.Subscribe(1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		auditLoop(context.WithoutCancel(ctx), ch, a.store, a.log.With(logx.String("comp", "audit")))
	}()
	rep := a.runner.RunTick(ctx, now)
	unsub()
	<-done
	return rep
}

// tick is the scheduled job.
func (a *App) tick(ctx context.Context) error {
	err := a.runner.Tick(ctx)
	if errors.Is(err, obligation.ErrTickRunning) {
		return scheduler.ErrOverlapSkip
	}
	if rep, ok := a.runner.LastReport(); ok {
		a.sd.Status(fmt.Sprintf("last tick %s: %d reminders, %d subscriptions due",
			rep.Now.Format(time.RFC3339), rep.Reminders.Due, rep.Subscriptions.Due))
	}
	if err == nil {
		a.sd.Watchdog()
	}
	return err
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sctx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	// Subscribers are registered before the scheduler starts so the first
	// tick's events reach them.
	auditCh, unsubAudit := a.bus.Subscribe(256)
	a.sup.Go("audit", func(c context.Context) error {
		defer unsubAudit()
		auditLoop(c, auditCh, a.store, a.log.With(logx.String("comp", "audit")))
		return nil
	})
	if a.alerter != nil {
		alertCh, unsubAlerts := a.bus.Subscribe(64)
		a.sup.Go("alerts", func(c context.Context) error {
			defer unsubAlerts()
			return a.alerter.Consume(c, alertCh)
		})
	}

	if a.sched.Enabled() {
		a.sched.Start(sctx)
	} else {
		a.log.Warn("scheduler disabled; no ticks will run")
	}

	cfg := a.cfgm.Get()
	a.applied = cfg
	oc, _ := mapOps(cfg)
	a.ops.Reconfigure(sctx, oc)

	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	if wd := a.sd.WatchdogInterval(); wd > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error { return a.watchdogLoop(c, wd) })
	}

	a.sd.Ready()
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// watchdogLoop keeps the systemd watchdog fed while the store is reachable,
// so a slow tick interval does not trip it.
func (a *App) watchdogLoop(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := a.ready(); err != nil {
				a.log.Warn("watchdog skipped", logx.Err(err))
				continue
			}
			a.sd.Watchdog()
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step timeout", logx.String("name", name), logx.Duration("max", max))
		}
	}

	// Let an in-flight tick finish its current items before cancelling it.
	step("scheduler", 30*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Stop(c) })

	a.log.Info("stopped")
	a.Close()
	return nil
}

// Close releases the store and log sinks. It is called by Stop.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
