package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmoney/market-engine/internal/fee"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "LOG_LEVEL", "LOG_FORMAT", "STARTING_BALANCE"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, fee.DefaultConfig(), cfg.Fees)
	assert.Equal(t, 3, cfg.Trading.MaxCommitRetries)
	assert.Equal(t, 1000.0, cfg.Trading.StartingBalance)
	assert.Empty(t, cfg.Storage.DatabaseURL)
}

func TestLoad_FileAndZeroFees(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
server:
  port: "9090"
fees:
  creator_rate: 0
  platform_rate: 0.02
  liquidity_rate: 0
  cap_fraction: 0.05
trading:
  max_commit_retries: 5
  max_per_answer: 500
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Zero(t, cfg.Fees.CreatorRate)
	assert.Equal(t, 0.02, cfg.Fees.PlatformRate)
	assert.Equal(t, 0.05, cfg.Fees.CapFraction)
	assert.Equal(t, fee.DefaultConfig().ImpactMultiplier, cfg.Fees.ImpactMultiplier)
	assert.Equal(t, 5, cfg.Trading.MaxCommitRetries)
	assert.Equal(t, 500.0, cfg.Trading.MaxPerAnswer)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://localhost/playmoney")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STARTING_BALANCE", "250")

	cfg, err := Load(writeFile(t, "server:\n  port: \"9090\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/playmoney", cfg.Storage.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250.0, cfg.Trading.StartingBalance)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "server: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "fees:\n  creator_rate: -1\n"))
	assert.ErrorIs(t, err, fee.ErrInvalidConfig)

	t.Setenv("STARTING_BALANCE", "lots")
	_, err = Load("")
	assert.Error(t, err)
}
