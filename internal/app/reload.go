package app

import (
	"context"
	"time"

	"keepsched/internal/config"
	logx "keepsched/pkg/logx"
)

// reloadLoop applies committed config changes to the running components.
// Storage, billing provider, notifier transport, alerts and systemd settings
// are fixed at startup; changes to them are reported and ignored.
func (a *App) reloadLoop(ctx context.Context) error {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			// Coalesce bursts of writes into one apply.
			for drained := false; !drained; {
				select {
				case next, ok := <-ch:
					if !ok {
						return nil
					}
					cfg = next
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, cfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	start := time.Now()
	old := a.applied

	if restart := config.RestartRequired(old, cfg); len(restart) > 0 {
		a.log.Warn("config.restart_required", logx.Any("sections", restart))
	}

	a.logs.Apply(mapLogging(cfg))

	if bc, err := mapBreaker(cfg); err == nil {
		a.brk.Apply(bc)
	}
	if nc, err := mapNotifier(cfg); err == nil {
		a.notif.Apply(nc)
	}
	if rc, err := mapRunner(cfg); err == nil {
		a.runner.Apply(rc)
	} else {
		a.log.Warn("config.runner_skipped", logx.Err(err))
	}
	a.applyScheduler(ctx, cfg)
	if oc, err := mapOps(cfg); err == nil {
		a.ops.Reconfigure(ctx, oc)
	}

	a.applied = cfg
	changed, fields := config.SummarizeConfigChange(old, cfg)
	fields = append(fields, logx.Any("changed", changed), logx.Duration("took", time.Since(start)))
	a.log.Info("config.applied", fields...)
}

func (a *App) applyScheduler(ctx context.Context, cfg *config.Config) {
	sc, interval, timeout, err := mapScheduler(cfg)
	if err != nil {
		a.log.Warn("config.scheduler_skipped", logx.Err(err))
		return
	}
	running := a.sched.Snapshot().Started
	a.sched.Apply(sc)

	if interval != a.interval || timeout != a.tickTimeout {
		if err := a.sched.Add(TickJob, interval, timeout, a.tick); err != nil {
			a.log.Warn("config.interval_rejected", logx.String("interval", interval), logx.Err(err))
		} else {
			a.log.Info("scheduler.rescheduled", logx.String("interval", interval), logx.Duration("timeout", timeout))
			a.interval, a.tickTimeout = interval, timeout
		}
	}

	switch {
	case sc.Enabled && !running:
		a.sched.Start(ctx)
	case !sc.Enabled && running:
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		a.sched.Stop(sctx)
		cancel()
	}
}
