package app

import (
	"fmt"
	"strings"
	"time"

	"keepsched/internal/alerts"
	"keepsched/internal/billing"
	"keepsched/internal/breaker"
	"keepsched/internal/config"
	"keepsched/internal/notifier"
	"keepsched/internal/obligation"
	"keepsched/internal/observability/ops"
	"keepsched/internal/storage"
	"keepsched/internal/task/scheduler"
	logx "keepsched/pkg/logx"
)

const defaultInterval = "1m"

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:       cfg.Logging.Level,
		Console:     cfg.Logging.Console,
		JSONConsole: cfg.Logging.JSONConsole,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	life, err := config.ParseDurationField("storage.conn_max_lifetime", sc.ConnMaxLifetime)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(sc.Path)
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if (driver == "" || driver == "sqlite" || driver == "sqlite3") && path == "" {
		path = "./keepsched.db"
	}
	return storage.Config{
		Driver:          driver,
		Path:            path,
		DSN:             strings.TrimSpace(sc.DSN),
		BusyTimeout:     busy,
		MaxOpenConns:    sc.MaxOpenConns,
		MaxIdleConns:    sc.MaxIdleConns,
		ConnMaxLifetime: life,
	}, nil
}

// mapScheduler returns the trigger config, the tick schedule and the tick timeout.
func mapScheduler(cfg *config.Config) (scheduler.Config, string, time.Duration, error) {
	s := cfg.Scheduler
	timeout, err := config.ParseDurationOrDefault("scheduler.tick_timeout", s.TickTimeout, 50*time.Second)
	if err != nil {
		return scheduler.Config{}, "", 0, err
	}
	interval := strings.TrimSpace(s.Interval)
	if interval == "" {
		interval = defaultInterval
	}
	if _, err := scheduler.ParseSchedule(interval); err != nil {
		return scheduler.Config{}, "", 0, fmt.Errorf("scheduler.interval: %w", err)
	}
	return scheduler.Config{
		Enabled:        s.Enabled,
		Timezone:       strings.TrimSpace(s.Timezone),
		DefaultTimeout: timeout,
		HistorySize:    s.HistorySize,
	}, interval, timeout, nil
}

func mapRunner(cfg *config.Config) (obligation.Config, error) {
	s := cfg.Scheduler
	loc := time.UTC
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return obligation.Config{}, fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}
	out := obligation.Config{
		Location:      loc,
		Workers:       s.Workers,
		Currency:      strings.ToLower(strings.TrimSpace(cfg.Billing.Currency)),
		BillingEmails: cfg.Billing.Emails,
		Prices:        map[obligation.Plan]int64{},
	}
	for plan, price := range cfg.Billing.Prices {
		out.Prices[obligation.Plan(strings.ToLower(plan))] = price
	}
	for _, d := range []struct {
		path, raw string
		dst       *time.Duration
	}{
		{"scheduler.query_timeout", s.QueryTimeout, &out.QueryTimeout},
		{"scheduler.notify_timeout", s.NotifyTimeout, &out.NotifyTimeout},
		{"scheduler.lookup_timeout", s.LookupTimeout, &out.LookupTimeout},
		{"scheduler.charge_timeout", s.ChargeTimeout, &out.ChargeTimeout},
		{"scheduler.store_timeout", s.StoreTimeout, &out.StoreTimeout},
	} {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return obligation.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	out := notifier.Config{
		Enabled:         n.Enabled,
		Transport:       strings.ToLower(strings.TrimSpace(n.Transport)),
		RatePerSec:      n.RatePerSec,
		Burst:           n.Burst,
		DedupMaxEntries: n.DedupMaxEntries,
		Brevo: notifier.BrevoConfig{
			APIKey:      n.Brevo.APIKey,
			BaseURL:     n.Brevo.BaseURL,
			SenderEmail: n.Brevo.SenderEmail,
			SenderName:  n.Brevo.SenderName,
			Templates:   n.Brevo.Templates,
		},
	}
	var err error
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	if out.Brevo.Timeout, err = config.ParseDurationField("notifier.brevo.timeout", n.Brevo.Timeout); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapBilling(cfg *config.Config) (billing.Config, error) {
	b := cfg.Billing
	timeout, err := config.ParseDurationField("billing.timeout", b.Timeout)
	if err != nil {
		return billing.Config{}, err
	}
	return billing.Config{
		Provider:   b.Provider,
		SecretKey:  b.SecretKey,
		BaseURL:    b.BaseURL,
		MaxRetries: b.MaxRetries,
		Timeout:    timeout,
	}, nil
}

func mapBreaker(cfg *config.Config) (breaker.Config, error) {
	b := cfg.Breaker
	out := breaker.Config{TripFailures: b.TripFailures}
	var err error
	if out.BaseDelay, err = config.ParseDurationField("breaker.base_delay", b.BaseDelay); err != nil {
		return breaker.Config{}, err
	}
	if out.MaxDelay, err = config.ParseDurationField("breaker.max_delay", b.MaxDelay); err != nil {
		return breaker.Config{}, err
	}
	if out.ResetAfter, err = config.ParseDurationField("breaker.reset_after", b.ResetAfter); err != nil {
		return breaker.Config{}, err
	}
	return out, nil
}

func mapAlerts(cfg *config.Config) (alerts.Config, error) {
	a := cfg.Alerts
	timeout, err := config.ParseDurationField("alerts.timeout", a.Timeout)
	if err != nil {
		return alerts.Config{}, err
	}
	return alerts.Config{
		Enabled:   a.Enabled,
		Token:     a.Token,
		ChatID:    a.ChatID,
		ThreadID:  a.ThreadID,
		APIURL:    a.APIURL,
		Timeout:   timeout,
		Events:    a.Events,
		PerMinute: a.PerMinute,
	}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	out := ops.Config{
		Enabled:              o.Enabled,
		Addr:                 o.Addr,
		Token:                o.Token,
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		PprofPrefix:          o.PprofPrefix,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", o.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, time.Minute); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

// CheckConfig reports whether cfg can be mapped onto every component.
func CheckConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return validate(cfg)
}

// validate checks everything the mappers check; it is the config reload validator.
func validate(cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, _, _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapRunner(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, err := mapBilling(cfg); err != nil {
		return err
	}
	if _, err := mapBreaker(cfg); err != nil {
		return err
	}
	if _, err := mapAlerts(cfg); err != nil {
		return err
	}
	_, err := mapOps(cfg)
	return err
}
