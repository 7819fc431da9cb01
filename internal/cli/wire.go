package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"optionsbot/internal/advisory"
	"optionsbot/internal/broker"
	"optionsbot/internal/config"
	"optionsbot/internal/engine"
	"optionsbot/internal/ledger"
	"optionsbot/internal/market"
	"optionsbot/internal/metrics"
	"optionsbot/internal/notify"
	"optionsbot/internal/regime"
	"optionsbot/internal/resilience"
	"optionsbot/internal/risk"
	"optionsbot/internal/strategy"
	"optionsbot/internal/volatility"
	"optionsbot/pkg/utils"
)

// stack is the wired engine and the collaborators commands reach into.
type stack struct {
	Engine   *engine.Engine
	Provider market.Provider
	Ledger   *ledger.SQLiteLedger
	Risk     *risk.Manager
	Metrics  *metrics.Metrics
	Breakers []*resilience.CircuitBreaker
}

// Close releases the ledger.
func (s *stack) Close() error {
	if s.Ledger == nil {
		return nil
	}
	return s.Ledger.Close()
}

func newProvider(cfg *config.Config, logger zerolog.Logger) *market.CachedProvider {
	yahoo := market.NewYahooProvider(logger).
		WithTimeout(cfg.Engine.DataTimeout).
		WithRateLimit(cfg.Engine.DataRateLimit)
	return market.NewCachedProvider(yahoo, market.DefaultCacheTTLs())
}

// newStrategies builds the enabled scanners in ranking tie-break order.
func newStrategies(cfg *config.Config, provider market.Provider, logger zerolog.Logger) ([]strategy.Strategy, []*resilience.CircuitBreaker) {
	deps := &strategy.Deps{
		Provider:        provider,
		Analyzer:        volatility.NewAnalyzer(provider, cfg.Engine.RiskFreeRate, cfg.Strategies.VolArb.HVLookback, logger),
		MaxRiskPerTrade: cfg.Risk.MaxRiskPerTrade,
		CreditTargetPct: cfg.Risk.ProfitTargetPct,
		Logger:          logger,
	}

	var (
		out      []strategy.Strategy
		breakers []*resilience.CircuitBreaker
	)
	sc := cfg.Strategies
	if sc.IVCrush.Enabled {
		calendar := market.NewNasdaqEarnings(sc.IVCrush.EarningsURL, sc.IVCrush.EarningsWindowDays, logger).
			WithHistoryURL(sc.IVCrush.EarningsHistoryURL)
		gate := advisory.New(cfg.Advisory, cfg.Credentials.OpenAI.APIKey, cfg.Engine.AdvisoryTimeout, logger)
		if g, ok := gate.(*advisory.OpenAIGatekeeper); ok {
			breakers = append(breakers, g.Breaker())
		}
		out = append(out, strategy.NewIVCrush(deps, sc.IVCrush, calendar, gate))
	}
	if sc.MeanReversion.Enabled {
		out = append(out, strategy.NewMeanReversion(deps, sc.MeanReversion, sc.Stock, cfg.Risk.StockPositionMax))
	}
	if sc.VolArb.Enabled {
		out = append(out, strategy.NewVolArb(deps, sc.VolArb))
	}
	if sc.Momentum.Enabled {
		out = append(out, strategy.NewMomentum(deps, sc.Momentum))
	}
	return out, breakers
}

func newExecutor(cfg *config.Config, provider market.Provider, logger zerolog.Logger) (broker.Executor, *resilience.CircuitBreaker, error) {
	if cfg.IsPaperMode() {
		paper := broker.NewPaperExecutor(cfg.Engine.PaperEquity, logger).
			WithQuoter(broker.ProviderQuoter{Provider: provider})
		return paper, nil, nil
	}
	alpaca, err := broker.NewAlpacaExecutor(cfg.Credentials.Alpaca, cfg.Engine.ExecutionTimeout, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("live mode needs Alpaca credentials: %w", err)
	}
	return alpaca, alpaca.Breaker(), nil
}

// buildStack wires every component from cfg. withMetrics registers the
// Prometheus collectors, hooks the circuit breakers into them and mounts
// /healthz next to /metrics.
func buildStack(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withMetrics bool) (*stack, error) {
	provider := newProvider(cfg, logger)

	session, err := utils.NewMarketSession(cfg.MarketHours.Timezone, cfg.MarketHours.Open, cfg.MarketHours.Close)
	if err != nil {
		return nil, fmt.Errorf("market hours: %w", err)
	}

	db, err := ledger.NewSQLiteLedger(cfg.LedgerPath())
	if err != nil {
		return nil, err
	}
	s := &stack{Provider: provider, Ledger: db}

	s.Risk, err = risk.NewManager(ctx, cfg.Risk, db, logger)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}

	strategies, breakers := newStrategies(cfg, provider, logger)
	if len(strategies) == 0 {
		logger.Warn().Msg("Every strategy is disabled, the engine will only manage exits")
	}

	exec, execBreaker, err := newExecutor(cfg, provider, logger)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	if execBreaker != nil {
		breakers = append(breakers, execBreaker)
	}
	s.Breakers = breakers

	if withMetrics {
		s.Metrics = metrics.New()
		for _, b := range breakers {
			s.Metrics.ObserveBreaker(b.Name(), b.State())
			b.OnStateChange(func(name string, _, to resilience.CircuitState) {
				s.Metrics.ObserveBreaker(name, to)
			})
		}
	}

	opts := engine.Options{
		Config:     cfg,
		Provider:   provider,
		Classifier: regime.NewClassifier(cfg.Regime),
		Scanner:    strategy.NewScanner(logger, strategies...),
		Risk:       s.Risk,
		Executor:   broker.NewLegExecutor(exec, nil, logger),
		Session:    session,
		Metrics:    s.Metrics,
		Notifier:   notify.New(cfg.Notify, logger),
		Logger:     logger,
	}
	s.Engine, err = engine.New(opts)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}

	if s.Metrics != nil {
		health := resilience.NewHealthMonitor()
		health.Register("engine", resilience.HeartbeatCheck(s.Engine.Heartbeat, 3*cfg.Engine.ScanInterval, 3, time.Now))
		for _, b := range breakers {
			health.Register(b.Name(), resilience.BreakerCheck(b))
		}
		s.Metrics.Handle("/healthz", health)
	}
	return s, nil
}
