// Package config provides configuration management for the options engine.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Engine      EngineConfig      `mapstructure:"engine"`
	MarketHours MarketHoursConfig `mapstructure:"market_hours"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Regime      RegimeConfig      `mapstructure:"regime"`
	Strategies  StrategiesConfig  `mapstructure:"strategies"`
	Advisory    AdvisoryConfig    `mapstructure:"advisory"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Credentials Credentials       `mapstructure:"-"` // Loaded separately
}

// EngineConfig holds evaluation loop configuration.
type EngineConfig struct {
	Mode             string        `mapstructure:"mode"` // "paper", "live"
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Watchlist        []string      `mapstructure:"watchlist"`
	DataDir          string        `mapstructure:"data_dir"`
	RiskFreeRate     float64       `mapstructure:"risk_free_rate"`
	PaperEquity      float64       `mapstructure:"paper_equity"`
	DataTimeout      time.Duration `mapstructure:"data_timeout"`
	DataRateLimit    float64       `mapstructure:"data_rate_limit"` // requests per second
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	AdvisoryTimeout  time.Duration `mapstructure:"advisory_timeout"`
}

// MarketHoursConfig holds the regular trading session.
type MarketHoursConfig struct {
	Timezone string `mapstructure:"timezone"`
	Open     string `mapstructure:"open"`  // HH:MM
	Close    string `mapstructure:"close"` // HH:MM
}

// RiskConfig holds risk management configuration.
type RiskConfig struct {
	TotalAllocation        float64 `mapstructure:"total_allocation"`
	MaxRiskPerTrade        float64 `mapstructure:"max_risk_per_trade"`
	RiskBuffer             float64 `mapstructure:"risk_buffer"`
	MaxDeploymentPct       float64 `mapstructure:"max_deployment_pct"`
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions"`
	MaxNetDelta            float64 `mapstructure:"max_net_delta"`
	ProfitTargetPct        float64 `mapstructure:"profit_target_pct"`
	MinDTEClose            int     `mapstructure:"min_dte_close"`
	MaxLossLongPct         float64 `mapstructure:"max_loss_long_pct"`
	MaxLossShortMult       float64 `mapstructure:"max_loss_short_mult"`
	StockPositionMax       float64 `mapstructure:"stock_position_max"`
	TrailingTriggerPct     float64 `mapstructure:"trailing_trigger_pct"`
	TrailingPct            float64 `mapstructure:"trailing_pct"`
}

// RegimeConfig holds volatility regime thresholds.
type RegimeConfig struct {
	VIXHigh        float64 `mapstructure:"vix_high"`
	VIXLow         float64 `mapstructure:"vix_low"`
	SpikePct       float64 `mapstructure:"spike_pct"`
	TrendPct       float64 `mapstructure:"trend_pct"`
	HistoryMovePct float64 `mapstructure:"history_move_pct"`
}

// StrategiesConfig holds per-strategy configuration.
type StrategiesConfig struct {
	IVCrush       IVCrushConfig       `mapstructure:"iv_crush"`
	MeanReversion MeanReversionConfig `mapstructure:"mean_reversion"`
	VolArb        VolArbConfig        `mapstructure:"vol_arb"`
	Momentum      MomentumConfig      `mapstructure:"momentum"`
	Stock         StockConfig         `mapstructure:"stock"`
}

// IVCrushConfig configures the earnings premium-selling scanner.
type IVCrushConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	PercentileThreshold float64 `mapstructure:"percentile_threshold"`
	EarningsWindowDays  int     `mapstructure:"earnings_window_days"`
	EarningsURL         string  `mapstructure:"earnings_url"`
	EarningsHistoryURL  string  `mapstructure:"earnings_history_url"` // %s is the ticker
	WingWidth           float64 `mapstructure:"wing_width"`
	DTEMin              int     `mapstructure:"dte_min"`
	DTEMax              int     `mapstructure:"dte_max"`
}

// MeanReversionConfig configures the mean reversion scanner.
type MeanReversionConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	DropThreshold  float64 `mapstructure:"drop_threshold"`
	RallyThreshold float64 `mapstructure:"rally_threshold"`
	VolumeRatioMin float64 `mapstructure:"volume_ratio_min"`
	RSIOversold    float64 `mapstructure:"rsi_oversold"`
	RSIOverbought  float64 `mapstructure:"rsi_overbought"`
	DTEMin         int     `mapstructure:"dte_min"`
	DTEMax         int     `mapstructure:"dte_max"`
	SpreadWidth    float64 `mapstructure:"spread_width"`
}

// VolArbConfig configures the volatility arbitrage scanner.
type VolArbConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	ZScoreThreshold float64 `mapstructure:"zscore_threshold"`
	HVLookback      int     `mapstructure:"hv_lookback"`
	DTEMin          int     `mapstructure:"dte_min"`
	DTEMax          int     `mapstructure:"dte_max"`
	WingWidth       float64 `mapstructure:"wing_width"`
	StrangleOTMPct  float64 `mapstructure:"strangle_otm_pct"`
	ProfitTargetPct float64 `mapstructure:"profit_target_pct"`
}

// MomentumConfig configures the momentum scanner.
type MomentumConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RSIOversold     float64 `mapstructure:"rsi_oversold"`
	RSIOverbought   float64 `mapstructure:"rsi_overbought"`
	VolumeSurge     float64 `mapstructure:"volume_surge"`
	DTEMin          int     `mapstructure:"dte_min"`
	DTEMax          int     `mapstructure:"dte_max"`
	StrikeOffsetPct float64 `mapstructure:"strike_offset_pct"`
	StopLossPct     float64 `mapstructure:"stop_loss_pct"`
	ProfitTargetPct float64 `mapstructure:"profit_target_pct"`
	MaxContracts    int     `mapstructure:"max_contracts"`
}

// StockConfig configures stock trades emitted alongside option spreads.
type StockConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	StopLossPct   float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct float64 `mapstructure:"take_profit_pct"`
}

// AdvisoryConfig holds LLM gatekeeper configuration.
type AdvisoryConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Model         string `mapstructure:"model"`
	MinConviction int    `mapstructure:"min_conviction"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// NotifyConfig holds trade and error notification settings.
type NotifyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Level      string `mapstructure:"level"` // "all", "trades_only", "errors_only"
}

// LoggingConfig holds log output configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// Credentials holds API credentials.
type Credentials struct {
	Alpaca AlpacaCredentials `mapstructure:"alpaca"`
	OpenAI OpenAICredentials `mapstructure:"openai"`
}

// AlpacaCredentials holds broker API credentials.
type AlpacaCredentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
}

// OpenAICredentials holds OpenAI API credentials.
type OpenAICredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// DefaultWatchlist is the default set of scanned tickers.
var DefaultWatchlist = []string{
	"SPY", "QQQ", "AAPL", "MSFT", "NVDA", "TSLA", "AMZN", "META", "GOOGL", "AMD",
	"JPM", "BAC", "XOM", "GS", "NFLX", "CRM", "SNOW", "PLTR", "COIN", "MARA",
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/optionsbot"
	}
	return filepath.Join(home, ".config", "optionsbot")
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults are static and always decode.
	_ = v.Unmarshal(cfg)
	cfg.Engine.DataDir = DefaultConfigDir()
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	loadDotEnv(configDir)

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.Engine.DataDir == "" {
		cfg.Engine.DataDir = configDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv reads .env files from the config dir and the working dir.
// Missing files are not an error.
func loadDotEnv(configDir string) {
	for _, path := range []string{filepath.Join(configDir, ".env"), ".env"} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: reading %s: %v\n", path, err)
		}
	}
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		// First run: write the template and continue on defaults.
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetDefault("alpaca.base_url", "https://paper-api.alpaca.markets")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		if err := createTemplateCredentials(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(creds)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.mode", "paper")
	v.SetDefault("engine.scan_interval", 10*time.Minute)
	v.SetDefault("engine.poll_interval", 30*time.Second)
	v.SetDefault("engine.watchlist", DefaultWatchlist)
	v.SetDefault("engine.risk_free_rate", 0.045)
	v.SetDefault("engine.paper_equity", 100000.0)
	v.SetDefault("engine.data_timeout", 20*time.Second)
	v.SetDefault("engine.data_rate_limit", 2.0)
	v.SetDefault("engine.execution_timeout", 15*time.Second)
	v.SetDefault("engine.advisory_timeout", 30*time.Second)

	v.SetDefault("market_hours.timezone", "America/New_York")
	v.SetDefault("market_hours.open", "09:30")
	v.SetDefault("market_hours.close", "16:00")

	v.SetDefault("risk.total_allocation", 33000.0)
	v.SetDefault("risk.max_risk_per_trade", 990.0)
	v.SetDefault("risk.risk_buffer", 1.5)
	v.SetDefault("risk.max_deployment_pct", 0.8)
	v.SetDefault("risk.max_concurrent_positions", 8)
	v.SetDefault("risk.max_net_delta", 100.0)
	v.SetDefault("risk.profit_target_pct", 0.5)
	v.SetDefault("risk.min_dte_close", 21)
	v.SetDefault("risk.max_loss_long_pct", 0.5)
	v.SetDefault("risk.max_loss_short_mult", 2.0)
	v.SetDefault("risk.stock_position_max", 5000.0)
	v.SetDefault("risk.trailing_trigger_pct", 0.04)
	v.SetDefault("risk.trailing_pct", 0.02)

	v.SetDefault("regime.vix_high", 25.0)
	v.SetDefault("regime.vix_low", 15.0)
	v.SetDefault("regime.spike_pct", 0.20)
	v.SetDefault("regime.trend_pct", 0.05)
	v.SetDefault("regime.history_move_pct", 0.15)

	v.SetDefault("strategies.iv_crush.enabled", true)
	v.SetDefault("strategies.iv_crush.percentile_threshold", 65.0)
	v.SetDefault("strategies.iv_crush.earnings_window_days", 10)
	v.SetDefault("strategies.iv_crush.earnings_url", "https://api.nasdaq.com/api/calendar/earnings")
	v.SetDefault("strategies.iv_crush.earnings_history_url", "https://api.nasdaq.com/api/company/%s/earnings-surprise")
	v.SetDefault("strategies.iv_crush.wing_width", 5.0)
	v.SetDefault("strategies.iv_crush.dte_min", 7)
	v.SetDefault("strategies.iv_crush.dte_max", 45)

	v.SetDefault("strategies.mean_reversion.enabled", true)
	v.SetDefault("strategies.mean_reversion.drop_threshold", -0.02)
	v.SetDefault("strategies.mean_reversion.rally_threshold", 0.02)
	v.SetDefault("strategies.mean_reversion.volume_ratio_min", 1.2)
	v.SetDefault("strategies.mean_reversion.rsi_oversold", 35.0)
	v.SetDefault("strategies.mean_reversion.rsi_overbought", 70.0)
	v.SetDefault("strategies.mean_reversion.dte_min", 30)
	v.SetDefault("strategies.mean_reversion.dte_max", 45)
	v.SetDefault("strategies.mean_reversion.spread_width", 5.0)

	v.SetDefault("strategies.vol_arb.enabled", true)
	v.SetDefault("strategies.vol_arb.zscore_threshold", 1.0)
	v.SetDefault("strategies.vol_arb.hv_lookback", 30)
	v.SetDefault("strategies.vol_arb.dte_min", 30)
	v.SetDefault("strategies.vol_arb.dte_max", 60)
	v.SetDefault("strategies.vol_arb.wing_width", 5.0)
	v.SetDefault("strategies.vol_arb.strangle_otm_pct", 0.05)
	v.SetDefault("strategies.vol_arb.profit_target_pct", 0.75)

	v.SetDefault("strategies.momentum.enabled", true)
	v.SetDefault("strategies.momentum.rsi_oversold", 35.0)
	v.SetDefault("strategies.momentum.rsi_overbought", 65.0)
	v.SetDefault("strategies.momentum.volume_surge", 1.3)
	v.SetDefault("strategies.momentum.dte_min", 14)
	v.SetDefault("strategies.momentum.dte_max", 30)
	v.SetDefault("strategies.momentum.strike_offset_pct", 0.03)
	v.SetDefault("strategies.momentum.stop_loss_pct", 0.30)
	v.SetDefault("strategies.momentum.profit_target_pct", 0.75)
	v.SetDefault("strategies.momentum.max_contracts", 10)

	v.SetDefault("strategies.stock.enabled", true)
	v.SetDefault("strategies.stock.stop_loss_pct", 0.03)
	v.SetDefault("strategies.stock.take_profit_pct", 0.06)

	v.SetDefault("advisory.enabled", true)
	v.SetDefault("advisory.model", "gpt-4o-mini")
	v.SetDefault("advisory.min_conviction", 7)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9108")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.level", "all")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Credentials.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Credentials.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Credentials.Alpaca.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Credentials.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPTIONSBOT_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Engine.Mode = v
	}
	if v := os.Getenv("OPTIONSBOT_WATCHLIST"); v != "" {
		var tickers []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
				tickers = append(tickers, t)
			}
		}
		cfg.Engine.Watchlist = tickers
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.Mode != "live" && c.Engine.Mode != "paper" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Engine.Mode)
	}
	if len(c.Engine.Watchlist) == 0 {
		return fmt.Errorf("watchlist must not be empty")
	}
	if c.Engine.ScanInterval <= 0 {
		return fmt.Errorf("scan_interval must be positive")
	}
	if c.Engine.DataRateLimit < 0 {
		return fmt.Errorf("data_rate_limit must be non-negative")
	}

	if c.Risk.TotalAllocation <= 0 {
		return fmt.Errorf("total_allocation must be positive")
	}
	if c.Risk.MaxRiskPerTrade <= 0 || c.Risk.MaxRiskPerTrade > c.Risk.TotalAllocation {
		return fmt.Errorf("max_risk_per_trade must be between 0 and total_allocation")
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("max_concurrent_positions must be positive")
	}
	if c.Risk.MaxDeploymentPct <= 0 || c.Risk.MaxDeploymentPct > 1 {
		return fmt.Errorf("max_deployment_pct must be between 0 and 1")
	}
	if c.Risk.MinDTEClose < 0 {
		return fmt.Errorf("min_dte_close must be non-negative")
	}

	if c.Regime.VIXLow >= c.Regime.VIXHigh {
		return fmt.Errorf("regime.vix_low must be below regime.vix_high")
	}

	if c.Advisory.MinConviction < 1 || c.Advisory.MinConviction > 10 {
		return fmt.Errorf("advisory.min_conviction must be between 1 and 10")
	}

	switch c.Notify.Level {
	case "all", "trades_only", "errors_only":
	default:
		return fmt.Errorf("invalid notify.level %q", c.Notify.Level)
	}
	if c.Notify.Enabled && c.Notify.WebhookURL == "" {
		return fmt.Errorf("notify.webhook_url is required when notifications are enabled")
	}

	if _, err := time.LoadLocation(c.MarketHours.Timezone); err != nil {
		return fmt.Errorf("invalid market_hours.timezone %q: %w", c.MarketHours.Timezone, err)
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Engine.Mode == "paper"
}

// LedgerPath returns the SQLite ledger location.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Engine.DataDir, "ledger.db")
}

// StatusPath returns the status snapshot location.
func (c *Config) StatusPath() string {
	return filepath.Join(c.Engine.DataDir, "status.json")
}
