package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesBotConstants(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "paper", cfg.Engine.Mode)
	assert.Equal(t, 10*time.Minute, cfg.Engine.ScanInterval)
	assert.Len(t, cfg.Engine.Watchlist, 20)
	assert.Equal(t, 33000.0, cfg.Risk.TotalAllocation)
	assert.Equal(t, 990.0, cfg.Risk.MaxRiskPerTrade)
	assert.Equal(t, 8, cfg.Risk.MaxConcurrentPositions)
	assert.Equal(t, 21, cfg.Risk.MinDTEClose)
	assert.Equal(t, 65.0, cfg.Strategies.IVCrush.PercentileThreshold)
	assert.Equal(t, 1.0, cfg.Strategies.VolArb.ZScoreThreshold)
	assert.Equal(t, "gpt-4o-mini", cfg.Advisory.Model)
	assert.Equal(t, 7, cfg.Advisory.MinConviction)
	require.NoError(t, cfg.Validate())
}

func TestLoadWritesTemplatesOnFirstRun(t *testing.T) {
	t.Setenv("TRADING_MODE", "")
	t.Setenv("OPTIONSBOT_WATCHLIST", "")
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	assert.FileExists(t, filepath.Join(dir, "credentials.toml"))
	assert.Equal(t, dir, cfg.Engine.DataDir)
	assert.Equal(t, filepath.Join(dir, "ledger.db"), cfg.LedgerPath())
	assert.Equal(t, "https://paper-api.alpaca.markets", cfg.Credentials.Alpaca.BaseURL)

	info, err := os.Stat(filepath.Join(dir, "credentials.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadReadsOverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	content := `
[engine]
mode = "paper"
scan_interval = "5m"
watchlist = ["SPY"]

[risk]
max_concurrent_positions = 3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644))
	t.Setenv("OPTIONSBOT_WATCHLIST", "aapl, msft")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TRADING_MODE", "")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Engine.ScanInterval)
	assert.Equal(t, 3, cfg.Risk.MaxConcurrentPositions)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Engine.Watchlist)
	assert.Equal(t, "sk-test", cfg.Credentials.OpenAI.APIKey)
	// Untouched sections keep their defaults.
	assert.Equal(t, 990.0, cfg.Risk.MaxRiskPerTrade)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"mode", func(c *Config) { c.Engine.Mode = "yolo" }},
		{"watchlist", func(c *Config) { c.Engine.Watchlist = nil }},
		{"allocation", func(c *Config) { c.Risk.TotalAllocation = 0 }},
		{"risk cap", func(c *Config) { c.Risk.MaxRiskPerTrade = 50000 }},
		{"positions", func(c *Config) { c.Risk.MaxConcurrentPositions = 0 }},
		{"rate limit", func(c *Config) { c.Engine.DataRateLimit = -1 }},
		{"regime", func(c *Config) { c.Regime.VIXLow = 30 }},
		{"conviction", func(c *Config) { c.Advisory.MinConviction = 11 }},
		{"timezone", func(c *Config) { c.MarketHours.Timezone = "Mars/Olympus" }},
		{"notify level", func(c *Config) { c.Notify.Level = "loud" }},
		{"webhook", func(c *Config) { c.Notify.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
