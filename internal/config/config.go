package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCHEDFLOW_"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retention RetentionConfig `yaml:"retention"`
	Lock      LockConfig      `yaml:"lock"`
	Sender    SenderConfig    `yaml:"sender"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

type ScannerConfig struct {
	Chain       string        `yaml:"chain"`
	Cron        string        `yaml:"cron"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
	GuessWindow time.Duration `yaml:"guess_window"`
}

type DispatchConfig struct {
	Workers           int           `yaml:"workers"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	LockWait          time.Duration `yaml:"lock_wait"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RetryMax          time.Duration `yaml:"retry_max"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	DueSweepCron      string        `yaml:"due_sweep_cron"`
	CacheSize         int           `yaml:"cache_size"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
}

type RetentionConfig struct {
	MaxAge time.Duration `yaml:"max_age"`
	Cron   string        `yaml:"cron"`
}

type LockConfig struct {
	Backend string      `yaml:"backend"` // local or redis
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SenderConfig struct {
	Kind    string        `yaml:"kind"` // log, webhook or smtp
	Webhook WebhookConfig `yaml:"webhook"`
	SMTP    SMTPConfig    `yaml:"smtp"`
}

type WebhookConfig struct {
	URL            string            `yaml:"url"`
	Timeout        time.Duration     `yaml:"timeout"`
	Headers        map[string]string `yaml:"headers"`
	MaxInlineBytes int               `yaml:"max_inline_bytes"`
}

type SMTPConfig struct {
	Addr           string `yaml:"addr"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	From           string `yaml:"from"`
	MaxInlineBytes int    `yaml:"max_inline_bytes"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads the YAML file at path (optional when empty), loads a .env file
// from the working directory if present, applies SCHEDFLOW_* overrides and
// defaults, then validates the result.
func Load(path string) (*Config, error) {
	// godotenv.Load does not override variables that are already set.
	_ = godotenv.Load()

	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides individual settings from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"SERVER_ADDR":    &c.Server.Addr,
		"STORAGE_PATH":   &c.Storage.Path,
		"LOG_LEVEL":      &c.Logging.Level,
		"LOG_FORMAT":     &c.Logging.Format,
		"SCANNER_CHAIN":  &c.Scanner.Chain,
		"SCANNER_CRON":   &c.Scanner.Cron,
		"LOCK_BACKEND":   &c.Lock.Backend,
		"REDIS_ADDR":     &c.Lock.Redis.Addr,
		"REDIS_PASSWORD": &c.Lock.Redis.Password,
		"SENDER_KIND":    &c.Sender.Kind,
		"WEBHOOK_URL":    &c.Sender.Webhook.URL,
		"SMTP_ADDR":      &c.Sender.SMTP.Addr,
		"SMTP_USERNAME":  &c.Sender.SMTP.Username,
		"SMTP_PASSWORD":  &c.Sender.SMTP.Password,
		"SMTP_FROM":      &c.Sender.SMTP.From,
		"RETENTION_CRON": &c.Retention.Cron,
		"DUE_SWEEP_CRON": &c.Dispatch.DueSweepCron,
		"METRICS_PATH":   &c.Metrics.Path,
	}
	for k, dst := range str {
		if v, ok := lookup(EnvPrefix + k); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DISPATCH_WORKERS":      &c.Dispatch.Workers,
		"DISPATCH_MAX_ATTEMPTS": &c.Dispatch.MaxAttempts,
		"REDIS_DB":              &c.Lock.Redis.DB,
	}
	for k, dst := range ints {
		v, ok := lookup(EnvPrefix + k)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, k, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"SEND_TIMEOUT":         &c.Dispatch.SendTimeout,
		"RETENTION_MAX_AGE":    &c.Retention.MaxAge,
		"SCANNER_GUESS_WINDOW": &c.Scanner.GuessWindow,
		"SCANNER_LOCK_TTL":     &c.Scanner.LockTTL,
		"DISPATCH_LOCK_TTL":    &c.Dispatch.LockTTL,
	}
	for k, dst := range durations {
		v, ok := lookup(EnvPrefix + k)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, k, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		"SERVER_DEBUG":    &c.Server.Debug,
		"METRICS_ENABLED": &c.Metrics.Enabled,
	}
	for k, dst := range bools {
		v, ok := lookup(EnvPrefix + k)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, k, err)
		}
		*dst = b
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "schedflow.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if c.Scanner.Chain == "" {
		c.Scanner.Chain = "default"
	}
	if c.Scanner.Cron == "" {
		c.Scanner.Cron = "*/15 * * * *"
	}
	if c.Scanner.LockTimeout == 0 {
		c.Scanner.LockTimeout = 30 * time.Second
	}
	if c.Scanner.LockTTL == 0 {
		c.Scanner.LockTTL = 5 * time.Minute
	}
	if c.Scanner.GuessWindow == 0 {
		c.Scanner.GuessWindow = 5 * time.Minute
	}

	d := &c.Dispatch
	if d.Workers == 0 {
		d.Workers = 4
	}
	if d.PollInterval == 0 {
		d.PollInterval = 250 * time.Millisecond
	}
	if d.SendTimeout == 0 {
		d.SendTimeout = 10 * time.Second
	}
	if d.LockWait == 0 {
		d.LockWait = 5 * time.Second
	}
	if d.LockTTL == 0 {
		d.LockTTL = 2 * time.Minute
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 5
	}
	if d.RetryBase == 0 {
		d.RetryBase = time.Second
	}
	if d.RetryMax == 0 {
		d.RetryMax = time.Minute
	}
	if d.VisibilityTimeout == 0 {
		d.VisibilityTimeout = 5 * time.Minute
	}
	if d.DueSweepCron == "" {
		d.DueSweepCron = "* * * * *"
	}
	if d.CacheSize == 0 {
		d.CacheSize = 1024
	}
	if d.CacheTTL == 0 {
		d.CacheTTL = time.Minute
	}

	if c.Retention.MaxAge == 0 {
		c.Retention.MaxAge = 12 * 7 * 24 * time.Hour
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = "@daily"
	}

	if c.Lock.Backend == "" {
		c.Lock.Backend = "local"
	}
	if c.Sender.Kind == "" {
		c.Sender.Kind = "log"
	}
	if c.Sender.Webhook.Timeout == 0 {
		c.Sender.Webhook.Timeout = c.Dispatch.SendTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging.format: %s (must be console or json)", c.Logging.Format)
	}

	for name, spec := range map[string]string{
		"scanner.cron":            c.Scanner.Cron,
		"dispatch.due_sweep_cron": c.Dispatch.DueSweepCron,
		"retention.cron":          c.Retention.Cron,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, spec, err)
		}
	}

	if c.Scanner.LockTimeout < 0 || c.Scanner.GuessWindow < 0 {
		return errors.New("scanner durations must not be negative")
	}
	if c.Scanner.LockTTL < time.Second {
		return errors.New("scanner.lock_ttl must be at least 1s")
	}
	if c.Scanner.GuessWindow > 15*time.Minute {
		return errors.New("scanner.guess_window must not exceed the 15m grid")
	}
	if c.Dispatch.Workers < 1 {
		return errors.New("dispatch.workers must be at least 1")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return errors.New("dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.VisibilityTimeout < time.Second {
		return errors.New("dispatch.visibility_timeout must be at least 1s")
	}
	if c.Dispatch.SendTimeout <= 0 || c.Dispatch.SendTimeout >= c.Dispatch.VisibilityTimeout {
		return errors.New("dispatch.send_timeout must be positive and shorter than dispatch.visibility_timeout")
	}
	if c.Dispatch.LockTTL <= c.Dispatch.SendTimeout {
		return errors.New("dispatch.lock_ttl must be longer than dispatch.send_timeout")
	}
	if c.Retention.MaxAge <= 0 {
		return errors.New("retention.max_age must be positive")
	}

	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			return errors.New("lock.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid lock.backend: %s (must be local or redis)", c.Lock.Backend)
	}

	switch c.Sender.Kind {
	case "log":
	case "webhook":
		if c.Sender.Webhook.URL == "" {
			return errors.New("sender.webhook.url is required for the webhook sender")
		}
	case "smtp":
		if c.Sender.SMTP.Addr == "" || c.Sender.SMTP.From == "" {
			return errors.New("sender.smtp.addr and sender.smtp.from are required for the smtp sender")
		}
	default:
		return fmt.Errorf("invalid sender.kind: %s (must be log, webhook or smtp)", c.Sender.Kind)
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /: %s", c.Metrics.Path)
	}
	return nil
}
