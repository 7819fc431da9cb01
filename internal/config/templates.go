package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# optionsbot configuration

[engine]
# Trading mode: "paper" or "live"
mode = "paper"
# Time between evaluation cycles
scan_interval = "10m"
# Tickers scanned every cycle
watchlist = ["SPY", "QQQ", "AAPL", "MSFT", "NVDA", "TSLA", "AMZN", "META", "GOOGL", "AMD",
             "JPM", "BAC", "XOM", "GS", "NFLX", "CRM", "SNOW", "PLTR", "COIN", "MARA"]
# Annualized risk-free rate used for pricing
risk_free_rate = 0.045
# Market data requests per second (0 disables the cap)
data_rate_limit = 2.0

[market_hours]
timezone = "America/New_York"
open = "09:30"
close = "16:00"

[risk]
# Capital allocated to the engine (USD)
total_allocation = 33000.0
# Per-trade risk cap (USD)
max_risk_per_trade = 990.0
max_concurrent_positions = 8
# Absolute bound on estimated portfolio delta
max_net_delta = 100.0
# Close when this fraction of max profit is captured
profit_target_pct = 0.5
# Close option positions at or below this many days to expiration
min_dte_close = 21
max_loss_long_pct = 0.5
max_loss_short_mult = 2.0
trailing_trigger_pct = 0.04
trailing_pct = 0.02

[regime]
vix_high = 25.0
vix_low = 15.0
spike_pct = 0.20

[strategies.iv_crush]
enabled = true
percentile_threshold = 65.0
earnings_window_days = 10
wing_width = 5.0

[strategies.mean_reversion]
enabled = true
drop_threshold = -0.02
rally_threshold = 0.02
volume_ratio_min = 1.2

[strategies.vol_arb]
enabled = true
zscore_threshold = 1.0
hv_lookback = 30

[strategies.momentum]
enabled = true
rsi_oversold = 35.0
rsi_overbought = 65.0

[strategies.stock]
enabled = true
stop_loss_pct = 0.03
take_profit_pct = 0.06

[advisory]
# LLM gatekeeper for earnings plays
enabled = true
model = "gpt-4o-mini"
min_conviction = 7

[metrics]
enabled = false
listen = "127.0.0.1:9108"

[notify]
# Webhook (Slack-compatible) notifications for trades, exits and errors
enabled = false
webhook_url = ""
# "all", "trades_only" or "errors_only"
level = "all"

[logging]
level = "info"
`

const credentialsTemplate = `# optionsbot credentials
# Keep this file secure (0600). Environment variables take precedence.

[alpaca]
api_key = ""
api_secret = ""
base_url = "https://paper-api.alpaca.markets"

[openai]
api_key = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}
	return nil
}
