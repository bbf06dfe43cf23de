package config

import (
	"reflect"
	"sort"
	"strings"

	logx "keepsched/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging. Secrets (keys, tokens, DSNs) are reported only as
// "<name>_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.interval", strings.TrimSpace(newCfg.Scheduler.Interval)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := newCfg.Notifier
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.String("notifier.transport", n.Transport),
			logx.Any("notifier.rate_per_sec", n.RatePerSec),
			logx.Bool("notifier.brevo.api_key_set", strings.TrimSpace(n.Brevo.APIKey) != ""),
			logx.Int("notifier.brevo.templates", len(n.Brevo.Templates)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Billing, newCfg.Billing) {
		changed = append(changed, "billing")
		b := newCfg.Billing
		attrs = append(attrs,
			logx.String("billing.provider", b.Provider),
			logx.Bool("billing.secret_key_set", strings.TrimSpace(b.SecretKey) != ""),
			logx.String("billing.currency", b.Currency),
			logx.Any("billing.prices", b.Prices),
			logx.Bool("billing.emails", b.Emails),
		)
	}

	if oldCfg.Breaker != newCfg.Breaker {
		changed = append(changed, "breaker")
		attrs = append(attrs, logx.Int("breaker.trip_failures", newCfg.Breaker.TripFailures))
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newCfg.Alerts.Enabled),
			logx.Bool("alerts.token_set", strings.TrimSpace(newCfg.Alerts.Token) != ""),
			logx.Int64("alerts.chat_id", newCfg.Alerts.ChatID),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart of the daemon.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Billing.Provider != newCfg.Billing.Provider ||
		oldCfg.Billing.SecretKey != newCfg.Billing.SecretKey ||
		oldCfg.Billing.BaseURL != newCfg.Billing.BaseURL ||
		oldCfg.Billing.MaxRetries != newCfg.Billing.MaxRetries ||
		oldCfg.Billing.Timeout != newCfg.Billing.Timeout {
		out = append(out, "billing.provider")
	}
	if oldCfg.Notifier.Transport != newCfg.Notifier.Transport || !reflect.DeepEqual(oldCfg.Notifier.Brevo, newCfg.Notifier.Brevo) {
		out = append(out, "notifier.transport")
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		out = append(out, "alerts")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		out = append(out, "systemd")
	}
	return out
}
