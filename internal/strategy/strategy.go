// Package strategy holds the signal scanners and the ranker that orders
// their output.
package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/logging"
	"optionsbot/internal/market"
	"optionsbot/internal/models"
	"optionsbot/internal/volatility"
)

// Strategy scans one ticker for candidate trades.
//
// Scan may return signals together with a non-nil error when part of the
// scan failed; the signals are still usable. Emitting nothing is the
// normal outcome when conditions are not met.
type Strategy interface {
	Name() string
	Scan(ctx context.Context, ticker string) ([]models.Signal, error)
}

// Deps are the collaborators and limits shared by every scanner.
type Deps struct {
	Provider        market.Provider
	Analyzer        *volatility.Analyzer
	MaxRiskPerTrade float64
	// CreditTargetPct is the fraction of the credit taken as profit on
	// premium-selling structures.
	CreditTargetPct float64
	Now             func() time.Time
	Logger          zerolog.Logger
}

func (d *Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// Scanner runs a fixed list of strategies over tickers.
type Scanner struct {
	strategies []Strategy
	logger     zerolog.Logger
}

// NewScanner creates a scanner over strategies, in declaration order.
func NewScanner(logger zerolog.Logger, strategies ...Strategy) *Scanner {
	return &Scanner{
		strategies: strategies,
		logger:     logger.With().Str("component", "scanner").Logger(),
	}
}

// Names returns the strategy names in declaration order.
func (s *Scanner) Names() []string {
	names := make([]string, len(s.strategies))
	for i, st := range s.strategies {
		names[i] = st.Name()
	}
	return names
}

// ScanTicker runs every strategy on ticker. A failing strategy is logged
// and skipped; it never stops the others.
func (s *Scanner) ScanTicker(ctx context.Context, ticker string) []models.Signal {
	var out []models.Signal
	for _, st := range s.strategies {
		if ctx.Err() != nil {
			return out
		}
		logger := logging.WithStrategy(logging.WithTicker(s.logger, ticker), st.Name())

		signals, err := st.Scan(ctx, ticker)
		if err != nil {
			logScanError(logger, err)
		}
		for _, sig := range signals {
			if verr := sig.Validate(); verr != nil {
				logger.Warn().Err(verr).Msg("Dropping malformed signal")
				continue
			}
			logger.Info().Str("trade_type", string(sig.TradeType)).Msg(sig.Reason)
			out = append(out, sig)
		}
	}
	return out
}

// Scan runs every strategy over tickers and pools the signals. ctx is
// checked between tickers.
func (s *Scanner) Scan(ctx context.Context, tickers []string) []models.Signal {
	start := time.Now()
	var all []models.Signal
	for _, ticker := range tickers {
		if ctx.Err() != nil {
			s.logger.Warn().Msg("Scan interrupted")
			break
		}
		signals := s.ScanTicker(ctx, ticker)
		if len(signals) == 0 {
			s.logger.Debug().Str("ticker", ticker).Msg("No opportunities")
		}
		all = append(all, signals...)
	}
	s.logger.Info().
		Int("tickers", len(tickers)).
		Int("signals", len(all)).
		Dur("duration", time.Since(start)).
		Msg("Scan complete")
	return all
}

func logScanError(logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, apperrors.ErrComputationFailure):
		logger.Debug().Err(err).Msg("No signal")
	case errors.Is(err, apperrors.ErrDataUnavailable):
		logger.Info().Err(err).Msg("Skipping, data unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn().Err(err).Msg("Scan timed out")
	default:
		logger.Error().Err(err).Msg("Strategy failed")
	}
}
