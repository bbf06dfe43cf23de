package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides for secrets. Each entry lists the variables checked
// in order; the first non-empty one wins.
var envOverrides = []struct {
	names []string
	set   func(c *Config, v string)
}{
	{[]string{"KEEPSCHED_BILLING_SECRET_KEY", "STRIPE_SECRET_KEY"}, func(c *Config, v string) { c.Billing.SecretKey = v }},
	{[]string{"KEEPSCHED_BREVO_API_KEY", "BREVO_API_KEY"}, func(c *Config, v string) { c.Notifier.Brevo.APIKey = v }},
	{[]string{"KEEPSCHED_ALERTS_TOKEN"}, func(c *Config, v string) { c.Alerts.Token = v }},
	{[]string{"KEEPSCHED_OPS_TOKEN"}, func(c *Config, v string) { c.Ops.Token = v }},
	{[]string{"KEEPSCHED_STORAGE_DSN", "DB_DSN_PRIMARY"}, func(c *Config, v string) { c.Storage.DSN = v }},
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays secret values from the environment onto cfg.
func ApplyEnv(cfg *Config) {
	applyEnvFrom(cfg, os.Getenv)
}

func applyEnvFrom(cfg *Config, get func(string) string) {
	if cfg == nil {
		return
	}
	for _, o := range envOverrides {
		for _, name := range o.names {
			if v := strings.TrimSpace(get(name)); v != "" {
				o.set(cfg, v)
				break
			}
		}
	}
}
