package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incentive-engine/config"
	"github.com/warp/incentive-engine/incentive"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_YAMLWithPolicyBlock(t *testing.T) {
	path := writeFile(t, "config.yaml", `
listen: ":9090"
database: "/var/lib/incentives.db"
expiry_sweep: 15m
logging:
  level: debug
rate_limit:
  rps: 5
  burst: 10
policy:
  welcome_amount: 75
  monthly_referral_cap: "150.50"
  abuse_check_failure_mode: CLOSED
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddress)
	assert.Equal(t, "/var/lib/incentives.db", cfg.DatabasePath)
	assert.Equal(t, 15*time.Minute, cfg.ExpirySweep.Duration)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 10, cfg.RateLimit.Burst)

	p, err := cfg.PolicyConfig()
	require.NoError(t, err)
	assert.True(t, p.WelcomeAmount.Equal(decimal.NewFromInt(75)))
	assert.True(t, p.MonthlyReferralCap.Equal(decimal.RequireFromString("150.50")))
	assert.Equal(t, incentive.AbuseClosed, p.AbuseCheckFailureMode)
}

func TestLoad_NoFile_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddress)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, time.Hour, cfg.ExpirySweep.Duration)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)

	p, err := cfg.PolicyConfig()
	require.NoError(t, err)
	assert.True(t, p.MonthlyReferralCap.Equal(decimal.NewFromInt(100)))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "listen: \":9090\"\nenv: staging\n")
	t.Setenv(config.EnvListen, ":7000")
	t.Setenv(config.EnvEnv, "production")
	t.Setenv(config.EnvDB, ":memory:")
	t.Setenv(config.EnvLogFile, "/tmp/incentives.log")
	t.Setenv(config.EnvAdminToken, "s3cret")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.ListenAddress)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, ":memory:", cfg.DatabasePath)
	assert.Equal(t, "/tmp/incentives.log", cfg.Logging.File)
	assert.Equal(t, "s3cret", cfg.AdminToken)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "listn: \":1\"\n"},
		{"bad duration", "expiry_sweep: soon\n"},
		{"sweep too short", "expiry_sweep: 10s\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"invalid policy", "policy:\n  welcome_amount: -5\n"},
		{"unknown policy key", "policy:\n  welcome_amout: 5\n"},
		{"production without admin token", "env: production\n"},
	}
	t.Setenv(config.EnvAdminToken, "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, "config.yaml", tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	t.Setenv(config.EnvListen, "")
	os.Unsetenv(config.EnvListen)
	path := writeFile(t, ".env", "PROMO_LISTEN=:6060\n")

	require.NoError(t, config.LoadEnvFile(path))
	cfg, err := config.Load("")

	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.ListenAddress)
	assert.NoError(t, config.LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
