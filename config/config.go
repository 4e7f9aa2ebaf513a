// Package config loads the incentive server configuration from YAML, a
// .env file and environment overrides, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/incentive-engine/factory"
	"github.com/warp/incentive-engine/incentive"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the YAML file.
const (
	EnvListen  = "PROMO_LISTEN"
	EnvDB      = "PROMO_DB"
	EnvLogFile = "PROMO_LOG_FILE"
	EnvEnv     = "PROMO_ENV"

	EnvAdminToken = "PROMO_ADMIN_TOKEN"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration of the incentive server.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	DatabasePath  string          `yaml:"database"`
	Logging       LoggingConfig   `yaml:"logging"`
	ExpirySweep   Duration        `yaml:"expiry_sweep"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	CORSOrigins   []string        `yaml:"cors_origins"`
	// AdminToken is the bearer token for /api/admin. Required in production.
	AdminToken    string          `yaml:"admin_token"`

	// Policy is decoded by factory.PolicyFactory. Absent keys keep defaults.
	Policy map[string]any `yaml:"policy"`
}

// LoggingConfig controls the slog handler and optional rotating file sink.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RateLimitConfig limits checkout and order requests per client.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps"`
	Burst             int     `yaml:"burst"`
}

// LoadEnvFile loads variables from a .env file if it exists. Variables that
// are already set are not overwritten.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads configuration from path (optional), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// PolicyConfig decodes the policy block.
func (c Config) PolicyConfig() (incentive.PolicyConfig, error) {
	return factory.NewPolicyFactory().PolicyFromMap(c.Policy)
}

// IsProduction reports whether the server runs in production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDB)); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEnv)); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAdminToken)); v != "" {
		cfg.AdminToken = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "./data/incentives.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 28
	}
	if cfg.ExpirySweep.Duration == 0 {
		cfg.ExpirySweep.Duration = time.Hour
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
}

func validateConfig(cfg Config) error {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	if cfg.ExpirySweep.Duration < time.Minute {
		return fmt.Errorf("expiry_sweep must be at least 1m, got %s", cfg.ExpirySweep.Duration)
	}
	if cfg.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.rps must be >= 0")
	}
	if cfg.IsProduction() && strings.TrimSpace(cfg.AdminToken) == "" {
		return fmt.Errorf("admin_token is required in production (or set %s)", EnvAdminToken)
	}
	if _, err := cfg.PolicyConfig(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}
