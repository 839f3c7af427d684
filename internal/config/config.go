package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-quest/internal/otel"
)

const (
	defaultBindAddr   = "127.0.0.1:18790"
	defaultCron       = "0 * * * *"
	defaultTimeZone   = "UTC"
	defaultMaxBody    = 1 << 20
	defaultDrainAfter = 5
)

// BufferConfig controls the buffer maintainer and its triggers.
type BufferConfig struct {
	// Cron is the in-process schedule. Empty disables the scheduler; the
	// HTTP trigger keeps working.
	Cron string `yaml:"cron"`
	// CronSecret protects the HTTP trigger. Empty leaves it open, which is
	// meant for development only. Env CRON_SECRET overrides.
	CronSecret string `yaml:"cron_secret"`
	RunOnStart bool   `yaml:"run_on_start"`
	// FillOnChange fills a series right after it is created or reset.
	FillOnChange      bool `yaml:"fill_on_change"`
	DailyHorizonDays  int  `yaml:"daily_horizon_days"`
	PeriodCount       int  `yaml:"period_count"`
	MaxWeeksToSearch  int  `yaml:"max_weeks_to_search"`
	MaxMonthsToSearch int  `yaml:"max_months_to_search"`
}

// APIKeyEntry maps a bearer key to the user it authenticates.
type APIKeyEntry struct {
	Name   string `yaml:"name"`
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	// DBPath defaults to goquest.db under the home directory.
	DBPath string `yaml:"db_path"`
	// DefaultTimeZone applies to users without a stored preference.
	DefaultTimeZone string `yaml:"default_timezone"`

	DrainTimeoutSeconds int   `yaml:"drain_timeout_seconds"`
	MaxRequestBytes     int64 `yaml:"max_request_bytes"`

	// RetentionAuditLogDays prunes the audit trail. 0 keeps forever.
	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`

	Buffer    BufferConfig    `yaml:"buffer"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry otel.Config     `yaml:"telemetry"`

	// FirstRun is set when no config.yaml existed.
	FirstRun bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config. Secrets are not
// part of the hash input.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|tz=%s|cron=%s|fill=%t|horizon=%d/%d|auth=%t/%d|otel=%t",
		c.BindAddr, c.LogLevel, c.DBPath, c.DefaultTimeZone,
		c.Buffer.Cron, c.Buffer.FillOnChange, c.Buffer.DailyHorizonDays, c.Buffer.PeriodCount,
		c.Auth.Enabled, len(c.Auth.Keys), c.Telemetry.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DrainTimeout is the graceful shutdown budget.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Redacted returns a copy safe to print: secrets and API keys are masked.
func (c Config) Redacted() Config {
	out := c
	if out.Buffer.CronSecret != "" {
		out.Buffer.CronSecret = "***"
	}
	out.Auth.Keys = make([]APIKeyEntry, len(c.Auth.Keys))
	for i, k := range c.Auth.Keys {
		k.Key = "***"
		out.Auth.Keys[i] = k
	}
	return out
}

// String renders the redacted config as YAML.
func (c Config) String() string {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}

func defaultConfig() Config {
	return Config{
		BindAddr:              defaultBindAddr,
		LogLevel:              "info",
		DefaultTimeZone:       defaultTimeZone,
		DrainTimeoutSeconds:   defaultDrainAfter,
		MaxRequestBytes:       defaultMaxBody,
		RetentionAuditLogDays: 365,
		Buffer: BufferConfig{
			Cron:              defaultCron,
			FillOnChange:      true,
			DailyHorizonDays:  30,
			PeriodCount:       12,
			MaxWeeksToSearch:  12,
			MaxMonthsToSearch: 12,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 120, BurstSize: 20},
	}
}

func HomeDir() string {
	if override := os.Getenv("GOQUEST_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goquest")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, then applies env overrides and
// defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goquest home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "goquest.db")
	}
	if cfg.DefaultTimeZone == "" {
		cfg.DefaultTimeZone = defaultTimeZone
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = defaultDrainAfter
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = defaultMaxBody
	}
	if cfg.Buffer.DailyHorizonDays <= 0 {
		cfg.Buffer.DailyHorizonDays = 30
	}
	if cfg.Buffer.PeriodCount <= 0 {
		cfg.Buffer.PeriodCount = 12
	}
	if cfg.Buffer.MaxWeeksToSearch <= 0 {
		cfg.Buffer.MaxWeeksToSearch = 12
	}
	if cfg.Buffer.MaxMonthsToSearch <= 0 {
		cfg.Buffer.MaxMonthsToSearch = 12
	}
	cfg.Buffer.Cron = strings.TrimSpace(cfg.Buffer.Cron)
}

func validate(cfg *Config) error {
	if _, err := time.LoadLocation(cfg.DefaultTimeZone); err != nil {
		return fmt.Errorf("default_timezone %q: %w", cfg.DefaultTimeZone, err)
	}
	seen := make(map[string]bool, len(cfg.Auth.Keys))
	for i, k := range cfg.Auth.Keys {
		if k.Key == "" || k.UserID == "" {
			return fmt.Errorf("auth.keys[%d]: key and user_id are required", i)
		}
		if seen[k.Key] {
			return fmt.Errorf("auth.keys[%d]: duplicate key", i)
		}
		seen[k.Key] = true
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) == 0 {
		return fmt.Errorf("auth.enabled requires at least one key")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOQUEST_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GOQUEST_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOQUEST_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GOQUEST_DEFAULT_TIMEZONE"); raw != "" {
		cfg.DefaultTimeZone = raw
	}
	if raw := os.Getenv("GOQUEST_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw, ok := os.LookupEnv("GOQUEST_BUFFER_CRON"); ok {
		cfg.Buffer.Cron = raw
	}
	if raw := os.Getenv("CRON_SECRET"); raw != "" {
		cfg.Buffer.CronSecret = raw
	}
}
