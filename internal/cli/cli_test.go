package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"keepsched/internal/obligation"
)

const testConfig = `
logging:
  level: error
scheduler:
  enabled: true
  interval: 5m
storage:
  driver: memory
notifier:
  enabled: true
  transport: log
billing:
  provider: memory
  secret_key: sk_test_hidden
  prices:
    monthly: 499
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "keepsched.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigCheck(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, testConfig)
	out, err := execute(t, "config", "check", "--config", path, "--env", filepath.Join(filepath.Dir(path), "missing.env"))
	if err != nil {
		t.Fatalf("config check: %v\n%s", err, out)
	}
	if !strings.Contains(out, "config.ok") || !strings.Contains(out, `"scheduler.interval":"5m"`) {
		t.Fatalf("output = %s", out)
	}
	if strings.Contains(out, "sk_test_hidden") {
		t.Fatalf("secret leaked: %s", out)
	}
}

func TestConfigCheckRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, testConfig+"\nops:\n  read_timeout: soon\n")
	if _, err := execute(t, "config", "check", "--config", path, "--env", ""); err == nil || !strings.Contains(err.Error(), "ops.read_timeout") {
		t.Fatalf("err = %v", err)
	}
}

func TestTickPrintsReport(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, testConfig)
	out, err := execute(t, "tick", "--config", path, "--env", "", "--at", "2024-01-01T10:00:00Z")
	if err != nil {
		t.Fatalf("tick: %v\n%s", err, out)
	}
	var rep obligation.TickReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if rep.ID == "" || rep.Now.Format("2006-01-02") != "2024-01-01" || rep.Reminders.Due != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestTickRejectsBadTime(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, testConfig)
	if _, err := execute(t, "tick", "--config", path, "--env", "", "--at", "yesterday"); err == nil {
		t.Fatal("bad --at accepted")
	}
}
