// Package cli provides the optionsbot command-line interface.
package cli

import (
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"optionsbot/internal/config"
	"optionsbot/internal/logging"
	"optionsbot/internal/security"
	"optionsbot/pkg/utils"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
)

// App holds the loaded configuration and logger shared by every command.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{}

	rootCmd := &cobra.Command{
		Use:   "optionsbot",
		Short: "Options analytics and risk engine",
		Long: `optionsbot scans a watchlist for options and stock trades, ranks the
signals, gates them through portfolio risk limits and manages every open
position through its exit state machine.

Paper mode is the default. Use 'optionsbot scan' for a dry run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/optionsbot)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(app),
		newScanCmd(app),
		newPositionsCmd(app),
		newHistoryCmd(app),
		newStatsCmd(app),
		newStatusCmd(app),
		newPriceCmd(),
		newConfigCmd(app),
		newVersionCmd(),
	)
	return rootCmd
}

func (a *App) load(cmd *cobra.Command) error {
	dir, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	a.Config = cfg

	lc := logging.LogConfig{
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		File:       cfg.Logging.File,
		FilePath:   filepath.Join(cfg.Engine.DataDir, "logs", "optionsbot.log"),
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	}
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		// Keep stdout clean for the JSON document.
		lc.Console = false
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		lc.Level = "debug"
	}
	a.Logger = logging.NewLoggerWithConfig(lc)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// No config needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("optionsbot v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := *app.Config
			cfg.Credentials = maskCredentials(cfg.Credentials)
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			output.Bold("Engine")
			output.Printf("  Mode:          %s\n", cfg.Engine.Mode)
			output.Printf("  Scan interval: %s\n", cfg.Engine.ScanInterval)
			output.Printf("  Data dir:      %s\n", cfg.Engine.DataDir)
			output.Printf("  Watchlist:     %d tickers\n", len(cfg.Engine.Watchlist))
			output.Bold("Risk")
			output.Printf("  Allocation:    %s\n", utils.FormatUSD(cfg.Risk.TotalAllocation))
			output.Printf("  Per trade:     %s (buffer %.1fx)\n", utils.FormatUSD(cfg.Risk.MaxRiskPerTrade), cfg.Risk.RiskBuffer)
			output.Printf("  Deployment:    %.0f%%\n", cfg.Risk.MaxDeploymentPct*100)
			output.Printf("  Positions:     %d\n", cfg.Risk.MaxConcurrentPositions)
			output.Printf("  Net delta:     %.0f\n", cfg.Risk.MaxNetDelta)
			output.Bold("Credentials")
			output.Printf("  Alpaca key:    %s\n", orUnset(cfg.Credentials.Alpaca.APIKey))
			output.Printf("  OpenAI key:    %s\n", orUnset(cfg.Credentials.OpenAI.APIKey))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})
	return cmd
}

func maskCredentials(c config.Credentials) config.Credentials {
	c.Alpaca.APIKey = security.MaskCredential(c.Alpaca.APIKey)
	c.Alpaca.APISecret = security.MaskCredential(c.Alpaca.APISecret)
	c.OpenAI.APIKey = security.MaskCredential(c.OpenAI.APIKey)
	return c
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
