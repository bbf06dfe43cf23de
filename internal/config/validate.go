package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "keepsched/pkg/logx"
)

// Validate checks the parts of cfg that can be verified without opening
// connections. It reports every problem, not just the first.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add(fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}

	s := c.Scheduler
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if s.Workers < 0 {
		add(errors.New("scheduler.workers must be >= 0"))
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "sqlite", "sqlite3", "memory", "mem":
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for mysql"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	n := c.Notifier
	switch t := strings.ToLower(strings.TrimSpace(n.Transport)); t {
	case "", "log":
	case "brevo":
		if n.Enabled && strings.TrimSpace(n.Brevo.APIKey) == "" {
			add(errors.New("notifier.brevo.api_key is required for the brevo transport"))
		}
		if n.Enabled && strings.TrimSpace(n.Brevo.SenderEmail) == "" {
			add(errors.New("notifier.brevo.sender_email is required for the brevo transport"))
		}
	default:
		add(fmt.Errorf("notifier.transport: unknown transport %q", n.Transport))
	}
	if n.RatePerSec < 0 {
		add(errors.New("notifier.rate_per_sec must be >= 0"))
	}

	b := c.Billing
	switch p := strings.ToLower(strings.TrimSpace(b.Provider)); p {
	case "", "stripe":
		if strings.TrimSpace(b.SecretKey) == "" {
			add(errors.New("billing.secret_key is required for stripe"))
		}
	case "memory":
	default:
		add(fmt.Errorf("billing.provider: unknown provider %q", b.Provider))
	}
	for plan, price := range b.Prices {
		if plan != "monthly" && plan != "yearly" {
			add(fmt.Errorf("billing.prices: unknown plan %q", plan))
		}
		if price <= 0 {
			add(fmt.Errorf("billing.prices.%s must be > 0", plan))
		}
	}

	if c.Alerts.Enabled {
		if strings.TrimSpace(c.Alerts.Token) == "" {
			add(errors.New("alerts.token is required when alerts are enabled"))
		}
		if c.Alerts.ChatID == 0 {
			add(errors.New("alerts.chat_id is required when alerts are enabled"))
		}
	}

	for _, f := range c.durationFields() {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}

	return errors.Join(errs...)
}

type durationField struct {
	path string
	raw  string
}

// durationFields lists every duration-valued setting by its config path.
func (c *Config) durationFields() []durationField {
	s, n := c.Scheduler, c.Notifier
	return []durationField{
		{"scheduler.tick_timeout", s.TickTimeout},
		{"scheduler.query_timeout", s.QueryTimeout},
		{"scheduler.notify_timeout", s.NotifyTimeout},
		{"scheduler.lookup_timeout", s.LookupTimeout},
		{"scheduler.charge_timeout", s.ChargeTimeout},
		{"scheduler.store_timeout", s.StoreTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"storage.conn_max_lifetime", c.Storage.ConnMaxLifetime},
		{"notifier.dedup_window", n.DedupWindow},
		{"notifier.brevo.timeout", n.Brevo.Timeout},
		{"billing.timeout", c.Billing.Timeout},
		{"breaker.base_delay", c.Breaker.BaseDelay},
		{"breaker.max_delay", c.Breaker.MaxDelay},
		{"breaker.reset_after", c.Breaker.ResetAfter},
		{"alerts.timeout", c.Alerts.Timeout},
		{"ops.read_timeout", c.Ops.ReadTimeout},
		{"ops.write_timeout", c.Ops.WriteTimeout},
		{"ops.idle_timeout", c.Ops.IdleTimeout},
	}
}

// ParseDurationField parses the duration stored at path. Blank means unset
// and yields zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with unset or zero mapped to def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err == nil && d == 0 {
		d = def
	}
	return d, err
}
