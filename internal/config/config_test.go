package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opscenter/commandcenter/internal/config"
)

// writeConfig writes content to a temp file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_EmptyPath_AllDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.DBPath != "commandcenter.db" {
		t.Errorf("DBPath = %q, want commandcenter.db", cfg.DBPath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.EvalIntervalSeconds != 15 {
		t.Errorf("EvalIntervalSeconds = %d, want 15", cfg.EvalIntervalSeconds)
	}
	if cfg.DispatchIntervalSeconds != 30 {
		t.Errorf("DispatchIntervalSeconds = %d, want 30", cfg.DispatchIntervalSeconds)
	}
	if cfg.DedupWindowSeconds != 300 {
		t.Errorf("DedupWindowSeconds = %d, want 300", cfg.DedupWindowSeconds)
	}
	if cfg.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7", cfg.RetentionDays)
	}
	if cfg.StreamBufferSize != 1000 {
		t.Errorf("StreamBufferSize = %d, want 1000", cfg.StreamBufferSize)
	}
	if len(cfg.Webhooks) != 0 {
		t.Errorf("Webhooks = %v, want empty", cfg.Webhooks)
	}
}

func TestLoad_FileValuesOverrideDefaults(t *testing.T) {
	path := writeConfig(t, `
http_addr: ":9090"
db_path: /var/lib/commandcenter/events.db
log_level: debug
webhooks:
  - https://hooks.example.com/ops
eval_interval_seconds: 5
retention_days: 30
tenant_retention_days:
  acme: 90
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0] != "https://hooks.example.com/ops" {
		t.Errorf("Webhooks = %v", cfg.Webhooks)
	}
	if cfg.EvalIntervalSeconds != 5 {
		t.Errorf("EvalIntervalSeconds = %d, want 5", cfg.EvalIntervalSeconds)
	}
	if cfg.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", cfg.RetentionDays)
	}
	if cfg.TenantRetentionDays["acme"] != 90 {
		t.Errorf("TenantRetentionDays[acme] = %d, want 90", cfg.TenantRetentionDays["acme"])
	}
	// Unset fields still fall back to defaults.
	if cfg.DispatchIntervalSeconds != 30 {
		t.Errorf("DispatchIntervalSeconds = %d, want default 30", cfg.DispatchIntervalSeconds)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
db_path: from-file.db
webhooks:
  - https://file.example.com/hook
retention_days: 14
`)

	t.Setenv("EVENT_DB_PATH", "from-env.db")
	t.Setenv("ALERT_WEBHOOKS", "https://a.example.com/h, https://b.example.com/h")
	t.Setenv("EVENT_RETENTION_DAYS", "3")
	t.Setenv("ALERT_DEDUP_WINDOW_SECONDS", "60")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DBPath != "from-env.db" {
		t.Errorf("DBPath = %q, want from-env.db", cfg.DBPath)
	}
	want := []string{"https://a.example.com/h", "https://b.example.com/h"}
	if len(cfg.Webhooks) != 2 || cfg.Webhooks[0] != want[0] || cfg.Webhooks[1] != want[1] {
		t.Errorf("Webhooks = %v, want %v", cfg.Webhooks, want)
	}
	if cfg.RetentionDays != 3 {
		t.Errorf("RetentionDays = %d, want 3", cfg.RetentionDays)
	}
	if cfg.DedupWindowSeconds != 60 {
		t.Errorf("DedupWindowSeconds = %d, want 60", cfg.DedupWindowSeconds)
	}
}

func TestLoad_MalformedNumericEnvIgnored(t *testing.T) {
	t.Setenv("EVENT_RETENTION_DAYS", "not-a-number")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want default 7", cfg.RetentionDays)
	}
}

func TestLoad_MissingFile_Fails(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load with missing file succeeded, want error")
	}
}

func TestLoad_MalformedYAML_Fails(t *testing.T) {
	path := writeConfig(t, "http_addr: [:::bad\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("Load with malformed YAML succeeded, want error")
	}
}

func TestLoad_InvalidLogLevel_Fails(t *testing.T) {
	path := writeConfig(t, "log_level: loud\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("Load succeeded, want validation error")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err)
	}
}

func TestLoad_InvalidWebhookURL_Fails(t *testing.T) {
	for _, bad := range []string{"ftp://example.com/hook", "not a url", "/relative/path"} {
		path := writeConfig(t, "webhooks:\n  - \""+bad+"\"\n")
		if _, err := config.Load(path); err == nil {
			t.Errorf("Load accepted webhook %q, want error", bad)
		}
	}
}

func TestLoad_NegativeRetentionOverride_Fails(t *testing.T) {
	path := writeConfig(t, "tenant_retention_days:\n  acme: -1\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("Load accepted negative tenant retention, want error")
	}
}

func TestLoad_ReportsAllValidationFailures(t *testing.T) {
	path := writeConfig(t, `
log_level: loud
webhooks:
  - not-a-url
`)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("Load succeeded, want error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "log_level") || !strings.Contains(msg, "webhooks[0]") {
		t.Errorf("error %q does not name both failures", msg)
	}
}
