package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets (billing.secret_key, notifier.brevo.api_key, alerts.token,
// ops.token, storage.dsn) may be left empty and supplied through the
// environment, see ApplyEnv.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Notifier  NotifierConfig  `json:"notifier"`
	Billing   BillingConfig   `json:"billing"`
	Breaker   BreakerConfig   `json:"breaker,omitempty"`
	Alerts    AlertsConfig    `json:"alerts,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`
	Systemd   SystemdConfig   `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level       string      `json:"level"`
	Console     bool        `json:"console"`
	JSONConsole bool        `json:"json_console,omitempty"`
	File        LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the tick trigger and the tick runner.
//
// Defaults (when fields are omitted/zero):
//   - interval: "1m"
//   - tick_timeout: "50s"
//   - history_size: 100
//   - workers: 4
//   - query/notify/lookup/charge/store timeouts: 15s/10s/10s/30s/5s
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// Interval is a schedule accepted by scheduler.ParseSchedule
	// ("1m", "every:1m", "cron:*/1 * * * *").
	Interval    string `json:"interval,omitempty"`
	TickTimeout string `json:"tick_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	Workers     int    `json:"workers,omitempty"`

	QueryTimeout  string `json:"query_timeout,omitempty"`
	NotifyTimeout string `json:"notify_timeout,omitempty"`
	LookupTimeout string `json:"lookup_timeout,omitempty"`
	ChargeTimeout string `json:"charge_timeout,omitempty"`
	StoreTimeout  string `json:"store_timeout,omitempty"`
}

// StorageConfig selects the obligation store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./keepsched.db" }
//	"storage": { "driver": "mysql", "dsn": "keep:pw@tcp(db:3306)/keep?parseTime=true" }
type StorageConfig struct {
	Driver          string `json:"driver"`
	Path            string `json:"path,omitempty"`
	DSN             string `json:"dsn,omitempty"` // do not log
	BusyTimeout     string `json:"busy_timeout,omitempty"`
	MaxOpenConns    int    `json:"max_open_conns,omitempty"`
	MaxIdleConns    int    `json:"max_idle_conns,omitempty"`
	ConnMaxLifetime string `json:"conn_max_lifetime,omitempty"`
}

type NotifierConfig struct {
	Enabled bool `json:"enabled"`
	// Transport is "brevo" or "log".
	Transport       string      `json:"transport"`
	RatePerSec      float64     `json:"rate_per_sec,omitempty"`
	Burst           int         `json:"burst,omitempty"`
	DedupWindow     string      `json:"dedup_window,omitempty"`
	DedupMaxEntries int         `json:"dedup_max_entries,omitempty"`
	Brevo           BrevoConfig `json:"brevo,omitempty"`
}

type BrevoConfig struct {
	APIKey      string           `json:"api_key,omitempty"` // do not log
	BaseURL     string           `json:"base_url,omitempty"`
	SenderEmail string           `json:"sender_email,omitempty"`
	SenderName  string           `json:"sender_name,omitempty"`
	Templates   map[string]int64 `json:"templates,omitempty"`
	Timeout     string           `json:"timeout,omitempty"`
}

// BillingConfig controls subscription renewal charges.
//
// Prices are in minor units (cents) per plan:
//
//	"prices": { "monthly": 499, "yearly": 4999 }
type BillingConfig struct {
	// Provider is "stripe" (default) or "memory".
	Provider   string           `json:"provider,omitempty"`
	SecretKey  string           `json:"secret_key,omitempty"` // do not log
	BaseURL    string           `json:"base_url,omitempty"`
	MaxRetries int64            `json:"max_retries,omitempty"`
	Timeout    string           `json:"timeout,omitempty"`
	Currency   string           `json:"currency,omitempty"`
	Prices     map[string]int64 `json:"prices"`
	// Emails enables renewed / past_due / inactive emails to the user.
	Emails bool `json:"emails,omitempty"`
}

// BreakerConfig is shared by the Brevo and Stripe circuit breakers.
// trip_failures < 0 disables them.
type BreakerConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

type AlertsConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token,omitempty"` // do not log
	ChatID    int64    `json:"chat_id,omitempty"`
	ThreadID  int      `json:"thread_id,omitempty"`
	APIURL    string   `json:"api_url,omitempty"`
	Events    []string `json:"events,omitempty"`
	PerMinute int      `json:"per_minute,omitempty"`
	Timeout   string   `json:"timeout,omitempty"`
}

// OpsConfig controls the ops HTTP server (/healthz, /status, pprof).
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// SystemdConfig enables sd_notify READY/STOPPING and watchdog pings.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog,omitempty"`
}
