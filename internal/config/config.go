// Package config provides YAML configuration loading, environment variable
// overrides, and validation for the Command Center server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the Command Center.
type Config struct {
	// HTTPAddr is the listen address for the HTTP API (e.g. ":8080").
	// Defaults to ":8080" when omitted. Overridden by HTTP_ADDR.
	HTTPAddr string `yaml:"http_addr"`

	// DBPath is the path of the embedded SQLite database file holding all
	// durable state. Defaults to "commandcenter.db". Overridden by
	// EVENT_DB_PATH.
	DBPath string `yaml:"db_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Webhooks is the list of URLs that receive alert notifications. One
	// delivery queue entry is created per webhook each time a rule trips.
	// Overridden by ALERT_WEBHOOKS (comma-separated).
	Webhooks []string `yaml:"webhooks"`

	// WebhookSecret, when non-empty, enables HMAC-SHA256 signing of webhook
	// request bodies via the X-CommandCenter-Signature header. Overridden by
	// ALERT_WEBHOOK_SECRET.
	WebhookSecret string `yaml:"webhook_secret"`

	// EvalIntervalSeconds is the rule evaluator cadence. Defaults to 15.
	EvalIntervalSeconds int `yaml:"eval_interval_seconds"`

	// DispatchIntervalSeconds is the delivery dispatcher cadence. Defaults
	// to 30.
	DispatchIntervalSeconds int `yaml:"dispatch_interval_seconds"`

	// DispatchDelaySeconds delays the dispatcher's first run after startup
	// so the process settles before outbound traffic starts. Defaults to 10.
	DispatchDelaySeconds int `yaml:"dispatch_delay_seconds"`

	// DispatchBatchSize caps the queue entries drained per dispatcher tick.
	// Defaults to 50.
	DispatchBatchSize int `yaml:"dispatch_batch_size"`

	// DedupWindowSeconds suppresses re-enqueueing deliveries for a rule that
	// tripped again within the window. Defaults to 300. Overridden by
	// ALERT_DEDUP_WINDOW_SECONDS.
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`

	// RetentionIntervalSeconds is the retention worker cadence. Defaults to
	// 3600. Overridden by EVENT_RETENTION_CRON_SECONDS.
	RetentionIntervalSeconds int `yaml:"retention_interval_seconds"`

	// RetentionDays is the default event retention applied to every tenant
	// without an explicit override. Defaults to 7. Overridden by
	// EVENT_RETENTION_DAYS.
	RetentionDays int `yaml:"retention_days"`

	// TenantRetentionDays maps tenant ids to per-tenant retention overrides.
	TenantRetentionDays map[string]int `yaml:"tenant_retention_days"`

	// StreamBufferSize is the per-subscriber fan-out buffer depth. A slow
	// streaming consumer starts dropping frames once its buffer fills.
	// Defaults to 1000.
	StreamBufferSize int `yaml:"stream_buffer_size"`

	// CORSOrigins lists browser origins allowed to call the API. CORS
	// handling is disabled when empty.
	CORSOrigins []string `yaml:"cors_origins"`

	// Auth configures the optional bearer-token fallback for callers that
	// lack the tenant and role context headers.
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig holds the optional JWT verification settings.
type AuthConfig struct {
	// JWTPublicKeyFile is the path of a PEM-encoded RSA public key. When
	// set, a valid RS256 bearer token may supply tenant and role claims.
	// Leave empty to rely on the context headers alone.
	JWTPublicKeyFile string `yaml:"jwt_public_key_file"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load builds the effective configuration: file values (when path is
// non-empty), then defaults for anything unset, then environment variable
// overrides, then validation. It returns a typed error describing every
// validation failure encountered.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "commandcenter.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.EvalIntervalSeconds == 0 {
		cfg.EvalIntervalSeconds = 15
	}
	if cfg.DispatchIntervalSeconds == 0 {
		cfg.DispatchIntervalSeconds = 30
	}
	if cfg.DispatchDelaySeconds == 0 {
		cfg.DispatchDelaySeconds = 10
	}
	if cfg.DispatchBatchSize == 0 {
		cfg.DispatchBatchSize = 50
	}
	if cfg.DedupWindowSeconds == 0 {
		cfg.DedupWindowSeconds = 300
	}
	if cfg.RetentionIntervalSeconds == 0 {
		cfg.RetentionIntervalSeconds = 3600
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 7
	}
	if cfg.StreamBufferSize == 0 {
		cfg.StreamBufferSize = 1000
	}
}

// applyEnv overrides file values with recognized environment variables.
// Malformed numeric values are ignored so a bad environment cannot silently
// zero a tuned setting; validation still runs on the final values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("EVENT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ALERT_WEBHOOKS"); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		cfg.Webhooks = urls
	}
	if v := os.Getenv("ALERT_WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if n, err := strconv.Atoi(os.Getenv("EVENT_RETENTION_CRON_SECONDS")); err == nil && n > 0 {
		cfg.RetentionIntervalSeconds = n
	}
	if n, err := strconv.Atoi(os.Getenv("EVENT_RETENTION_DAYS")); err == nil && n > 0 {
		cfg.RetentionDays = n
	}
	if n, err := strconv.Atoi(os.Getenv("ALERT_DEDUP_WINDOW_SECONDS")); err == nil && n > 0 {
		cfg.DedupWindowSeconds = n
	}
}

// validate checks that all required fields are populated and that enumerated
// and numeric fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.EvalIntervalSeconds <= 0 {
		errs = append(errs, errors.New("eval_interval_seconds must be positive"))
	}
	if cfg.DispatchIntervalSeconds <= 0 {
		errs = append(errs, errors.New("dispatch_interval_seconds must be positive"))
	}
	if cfg.DispatchDelaySeconds < 0 {
		errs = append(errs, errors.New("dispatch_delay_seconds must not be negative"))
	}
	if cfg.DispatchBatchSize <= 0 {
		errs = append(errs, errors.New("dispatch_batch_size must be positive"))
	}
	if cfg.DedupWindowSeconds <= 0 {
		errs = append(errs, errors.New("dedup_window_seconds must be positive"))
	}
	if cfg.RetentionIntervalSeconds <= 0 {
		errs = append(errs, errors.New("retention_interval_seconds must be positive"))
	}
	if cfg.RetentionDays <= 0 {
		errs = append(errs, errors.New("retention_days must be positive"))
	}
	if cfg.StreamBufferSize <= 0 {
		errs = append(errs, errors.New("stream_buffer_size must be positive"))
	}

	for i, raw := range cfg.Webhooks {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d]: %q is not a valid http(s) URL", i, raw))
		}
	}

	for tenant, days := range cfg.TenantRetentionDays {
		if tenant == "" {
			errs = append(errs, errors.New("tenant_retention_days: tenant id must not be empty"))
		}
		if days <= 0 {
			errs = append(errs, fmt.Errorf("tenant_retention_days[%q]: retention must be positive", tenant))
		}
	}

	return errors.Join(errs...)
}
