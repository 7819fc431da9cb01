// Package logging builds the zerolog logger and the event helpers used
// across the engine.
package logging

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"optionsbot/internal/security"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// NewLoggerWithConfig creates a logger writing to the console, to a
// rotated file, or both. Console output goes to stderr so command output
// on stdout stays machine readable.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:         os.Stderr,
			TimeFormat:  "15:04:05",
			FormatLevel: consoleLevel,
		})
	}

	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(writer).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

func consoleLevel(i interface{}) string {
	ll, ok := i.(string)
	if !ok {
		return "???"
	}
	switch ll {
	case "debug":
		return "\033[36mDBG\033[0m"
	case "info":
		return "\033[32mINF\033[0m"
	case "warn":
		return "\033[33mWRN\033[0m"
	case "error":
		return "\033[31mERR\033[0m"
	default:
		return strings.ToUpper(ll)
	}
}

// ParseLevel maps a config level name to a zerolog level, defaulting to
// info.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// WithTicker adds a ticker to the logger context.
func WithTicker(logger zerolog.Logger, ticker string) zerolog.Logger {
	return logger.With().Str("ticker", ticker).Logger()
}

// WithStrategy adds a strategy name to the logger context.
func WithStrategy(logger zerolog.Logger, strategy string) zerolog.Logger {
	return logger.With().Str("strategy", strategy).Logger()
}

// WithPosition adds a position ID to the logger context.
func WithPosition(logger zerolog.Logger, positionID string) zerolog.Logger {
	return logger.With().Str("position_id", positionID).Logger()
}

// WithCycle adds an evaluation cycle ID to the logger context.
func WithCycle(logger zerolog.Logger, cycleID string) zerolog.Logger {
	return logger.With().Str("cycle_id", cycleID).Logger()
}

// LogSignal logs a candidate signal emitted by a scanner.
func LogSignal(logger zerolog.Logger, ticker, strategy, tradeType string, score, maxRisk float64, reason string) {
	logger.Info().
		Str("event", "signal").
		Str("ticker", ticker).
		Str("strategy", strategy).
		Str("trade_type", tradeType).
		Float64("score", score).
		Float64("max_risk", maxRisk).
		Str("reason", reason).
		Msg("Signal found")
}

// LogOrder logs a leg order update.
func LogOrder(logger zerolog.Logger, orderID, symbol, side string, qty int, status string) {
	logger.Info().
		Str("event", "order").
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Int("quantity", qty).
		Str("status", status).
		Msg("Order update")
}

// LogExit logs an exit trigger on an open position.
func LogExit(logger zerolog.Logger, positionID, state, reason string) {
	logger.Info().
		Str("event", "exit").
		Str("position_id", positionID).
		Str("state", state).
		Str("reason", reason).
		Msg("Exit triggered")
}

// LogCycle logs the summary of one evaluation cycle.
func LogCycle(logger zerolog.Logger, signals, opened, exits int, duration time.Duration) {
	logger.Info().
		Str("event", "cycle").
		Int("signals", signals).
		Int("opened", opened).
		Int("exits", exits).
		Dur("duration", duration).
		Msg("Cycle complete")
}

// LogAPICall logs an external API call at debug level. Credentials in the
// error text are masked.
func LogAPICall(logger zerolog.Logger, method, endpoint string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", endpoint).
		Dur("duration", duration)

	if err != nil {
		event.Err(errors.New(security.Redact(err.Error()))).Msg("API call failed")
		return
	}
	event.Msg("API call completed")
}
