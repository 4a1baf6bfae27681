package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  debug: true

storage:
  path: "/tmp/sched.db"

logging:
  level: "DEBUG"
  format: "json"

scanner:
  chain: "eu"
  cron: "*/15 * * * *"
  guess_window: 4m
  lock_ttl: 10m

dispatch:
  workers: 8
  send_timeout: 5s
  lock_ttl: 90s
  visibility_timeout: 2m
  retry_base: 2s

lock:
  backend: redis
  redis:
    addr: "localhost:6379"
    db: 2

sender:
  kind: webhook
  webhook:
    url: "http://hooks.local/deliver"
    headers:
      Authorization: "Bearer x"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" || !cfg.Server.Debug {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
	if cfg.Scanner.Chain != "eu" || cfg.Scanner.GuessWindow != 4*time.Minute || cfg.Scanner.LockTTL != 10*time.Minute {
		t.Errorf("Scanner = %+v", cfg.Scanner)
	}
	if cfg.Dispatch.Workers != 8 || cfg.Dispatch.SendTimeout != 5*time.Second || cfg.Dispatch.RetryBase != 2*time.Second ||
		cfg.Dispatch.LockTTL != 90*time.Second {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Lock.Redis.Addr != "localhost:6379" || cfg.Lock.Redis.DB != 2 {
		t.Errorf("Lock = %+v", cfg.Lock)
	}
	if cfg.Sender.Webhook.Headers["Authorization"] != "Bearer x" {
		t.Errorf("Webhook.Headers = %v", cfg.Sender.Webhook.Headers)
	}
	// Defaults
	if cfg.Sender.Webhook.Timeout != 5*time.Second {
		t.Errorf("Webhook.Timeout = %v, want send_timeout", cfg.Sender.Webhook.Timeout)
	}
	if cfg.Retention.MaxAge != 12*7*24*time.Hour || cfg.Retention.Cron != "@daily" {
		t.Errorf("Retention = %+v", cfg.Retention)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scanner.Cron != "*/15 * * * *" || cfg.Dispatch.DueSweepCron != "* * * * *" {
		t.Errorf("crons = %q %q", cfg.Scanner.Cron, cfg.Dispatch.DueSweepCron)
	}
	if cfg.Lock.Backend != "local" || cfg.Sender.Kind != "log" {
		t.Errorf("backends = %q %q", cfg.Lock.Backend, cfg.Sender.Kind)
	}
	if cfg.Scanner.LockTTL != 5*time.Minute || cfg.Dispatch.LockTTL != 2*time.Minute {
		t.Errorf("lock TTLs = %v %v", cfg.Scanner.LockTTL, cfg.Dispatch.LockTTL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: "/from/file.db"
dispatch:
  workers: 2
`)
	t.Setenv("SCHEDFLOW_STORAGE_PATH", "/from/env.db")
	t.Setenv("SCHEDFLOW_DISPATCH_WORKERS", "6")
	t.Setenv("SCHEDFLOW_RETENTION_MAX_AGE", "720h")
	t.Setenv("SCHEDFLOW_METRICS_ENABLED", "false")
	t.Setenv("SCHEDFLOW_SCANNER_LOCK_TTL", "7m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Path != "/from/env.db" {
		t.Errorf("Storage.Path = %v", cfg.Storage.Path)
	}
	if cfg.Dispatch.Workers != 6 {
		t.Errorf("Dispatch.Workers = %v", cfg.Dispatch.Workers)
	}
	if cfg.Retention.MaxAge != 720*time.Hour {
		t.Errorf("Retention.MaxAge = %v", cfg.Retention.MaxAge)
	}
	if cfg.Scanner.LockTTL != 7*time.Minute {
		t.Errorf("Scanner.LockTTL = %v", cfg.Scanner.LockTTL)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"SCHEDFLOW_DISPATCH_WORKERS": "many",
		"SCHEDFLOW_SEND_TIMEOUT":     "10",
		"SCHEDFLOW_SERVER_DEBUG":     "sometimes",
	}
	for k, v := range tests {
		lookup := func(name string) (string, bool) {
			if name == k {
				return v, true
			}
			return "", false
		}
		var cfg Config
		if err := cfg.applyEnv(lookup); err == nil || !strings.Contains(err.Error(), k) {
			t.Errorf("applyEnv(%s=%s) error = %v", k, v, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad scan cron", func(c *Config) { c.Scanner.Cron = "every 15 minutes" }, "scanner.cron"},
		{"bad retention cron", func(c *Config) { c.Retention.Cron = "61 * * * *" }, "retention.cron"},
		{"wide guess window", func(c *Config) { c.Scanner.GuessWindow = 20 * time.Minute }, "guess_window"},
		{"short scanner lock ttl", func(c *Config) { c.Scanner.LockTTL = time.Millisecond }, "scanner.lock_ttl"},
		{"instance lock ttl within send", func(c *Config) { c.Dispatch.LockTTL = 5 * time.Second }, "dispatch.lock_ttl"},
		{"no workers", func(c *Config) { c.Dispatch.Workers = -1 }, "dispatch.workers"},
		{"send exceeds visibility", func(c *Config) { c.Dispatch.SendTimeout = 10 * time.Minute }, "send_timeout"},
		{"redis without addr", func(c *Config) { c.Lock.Backend = "redis" }, "lock.redis.addr"},
		{"unknown lock", func(c *Config) { c.Lock.Backend = "etcd" }, "lock.backend"},
		{"webhook without url", func(c *Config) { c.Sender.Kind = "webhook" }, "sender.webhook.url"},
		{"smtp without from", func(c *Config) { c.Sender.Kind = "smtp"; c.Sender.SMTP.Addr = "mx:25" }, "sender.smtp"},
		{"unknown sender", func(c *Config) { c.Sender.Kind = "pigeon" }, "sender.kind"},
		{"relative metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.setDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
