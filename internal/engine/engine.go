// Package engine runs the evaluation loop: regime, exits, scan, rank,
// admission, execution and the status snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"optionsbot/internal/broker"
	"optionsbot/internal/config"
	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/logging"
	"optionsbot/internal/market"
	"optionsbot/internal/metrics"
	"optionsbot/internal/models"
	"optionsbot/internal/notify"
	"optionsbot/internal/regime"
	"optionsbot/internal/risk"
	"optionsbot/internal/strategy"
	"optionsbot/pkg/utils"
)

var regimeStates = []string{
	string(regime.StateLowVol),
	string(regime.StateNormal),
	string(regime.StateHighVol),
	string(regime.StateVIXSpike),
}

// Engine wires the components of one evaluation cycle.
type Engine struct {
	cfg        *config.Config
	provider   market.Provider
	classifier *regime.Classifier
	scanner    *strategy.Scanner
	ranker     *strategy.Ranker
	risk       *risk.Manager
	executor   *broker.LegExecutor
	session    *utils.MarketSession
	metrics    *metrics.Metrics
	notifier   notify.Notifier
	now        func() time.Time
	logger     zerolog.Logger

	lastScan    time.Time
	lastSignals int
	lastSummary string

	heartbeat atomic.Int64 // unix nanos of the last completed cycle
	failures  atomic.Int32 // consecutive failed cycles
}

// Options are the collaborators of an Engine. Metrics and Notifier are
// optional.
type Options struct {
	Config     *config.Config
	Provider   market.Provider
	Classifier *regime.Classifier
	Scanner    *strategy.Scanner
	Risk       *risk.Manager
	Executor   *broker.LegExecutor
	Session    *utils.MarketSession
	Metrics    *metrics.Metrics
	Notifier   notify.Notifier
	Now        func() time.Time
	Logger     zerolog.Logger
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Provider == nil || opts.Classifier == nil ||
		opts.Scanner == nil || opts.Risk == nil || opts.Executor == nil || opts.Session == nil {
		return nil, fmt.Errorf("%w: engine is missing a collaborator", apperrors.ErrConfigInvalid)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:        opts.Config,
		provider:   opts.Provider,
		classifier: opts.Classifier,
		scanner:    opts.Scanner,
		ranker:     strategy.NewRanker(opts.Scanner.Names()),
		risk:       opts.Risk,
		executor:   opts.Executor,
		session:    opts.Session,
		metrics:    opts.Metrics,
		notifier:   opts.Notifier,
		now:        now,
		logger:     opts.Logger.With().Str("component", "engine").Logger(),
	}, nil
}

// Rejection is a ranked signal the risk manager or executor refused.
type Rejection struct {
	Signal models.Signal
	Reason string
}

// CycleReport summarizes one evaluation cycle.
type CycleReport struct {
	ID          string
	StartedAt   time.Time
	Duration    time.Duration
	MarketOpen  bool
	Regime      regime.Regime
	EntryPaused string
	Signals     []models.Signal
	Opened      []*models.Position
	Rejected    []Rejection
	Exits       []risk.Exit
	Closed      []*models.Position
}

// RunCycle runs one evaluation cycle. Outside market hours only the exit
// checks run and triggered exits are reported, not executed. Only
// persistence failures and cancellation are returned; everything else is
// logged and isolated to the ticker or position it concerns.
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, error) {
	rep := &CycleReport{ID: uuid.NewString(), StartedAt: e.now()}
	logger := logging.WithCycle(e.logger, rep.ID)
	rep.MarketOpen = e.session.IsOpen(rep.StartedAt)

	rep.Regime = e.updateRegime(ctx, logger)

	exits, err := e.risk.CheckExits(ctx, rep.StartedAt, e.marks(ctx, logger))
	if err != nil {
		return e.fail(ctx, rep, logger, fmt.Errorf("checking exits: %w", err))
	}
	rep.Exits = exits
	for _, ex := range exits {
		e.countExit(ex)
	}

	if !rep.MarketOpen {
		for _, ex := range exits {
			plog := logging.WithPosition(logger, ex.Position.ID)
			plog.Info().
				Str("state", string(ex.State)).
				Msg("Exit needed, will execute at market open: " + ex.Reason)
		}
		e.maybeSendSummary(ctx, rep.StartedAt, logger)
		return e.finish(ctx, rep, logger)
	}

	for _, ex := range exits {
		closed, err := e.executeExit(ctx, ex, logger)
		if err != nil {
			return e.fail(ctx, rep, logger, err)
		}
		if closed != nil {
			rep.Closed = append(rep.Closed, closed)
		}
	}

	if skip, reason := e.classifier.ShouldSkipEntry(); skip {
		rep.EntryPaused = reason
		logger.Warn().Msg(reason)
		return e.finish(ctx, rep, logger)
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}

	rep.Signals = e.scan(ctx, logger)
	e.lastScan = e.now()
	e.lastSignals = len(rep.Signals)

	mult := e.classifier.SizeMultiplier()
	for _, sig := range rep.Signals {
		if ctx.Err() != nil {
			break
		}
		pos, reason, err := e.admit(ctx, sig, mult, logger)
		if err != nil {
			return e.fail(ctx, rep, logger, err)
		}
		if pos == nil {
			rep.Rejected = append(rep.Rejected, Rejection{Signal: sig, Reason: reason})
			continue
		}
		rep.Opened = append(rep.Opened, pos)
	}

	return e.finish(ctx, rep, logger)
}

// Scan runs the regime update, the scanners and the ranker without
// touching positions or placing orders.
func (e *Engine) Scan(ctx context.Context) ([]models.Signal, regime.Regime) {
	r := e.updateRegime(ctx, e.logger)
	return e.scan(ctx, e.logger), r
}

func (e *Engine) scan(ctx context.Context, logger zerolog.Logger) []models.Signal {
	signals := e.scanner.Scan(ctx, e.cfg.Engine.Watchlist)
	ranked := e.ranker.Rank(signals, e.classifier.AdjustScore)
	for _, sig := range ranked {
		logging.LogSignal(logger, sig.Ticker, sig.Strategy, string(sig.TradeType), sig.Score, sig.MaxRisk, sig.Reason)
		if e.metrics != nil {
			e.metrics.Signals.WithLabelValues(sig.Strategy).Inc()
		}
	}
	return ranked
}

// updateRegime feeds the latest VIX to the classifier. A failed read keeps
// the previous regime.
func (e *Engine) updateRegime(ctx context.Context, logger zerolog.Logger) regime.Regime {
	vix, err := e.provider.VolatilityIndex(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("VIX unavailable, keeping previous regime")
		return e.classifier.Current()
	}
	history, err := e.provider.VolatilityIndexHistory(ctx, market.Period5D)
	if err != nil {
		logger.Debug().Err(err).Msg("VIX history unavailable")
		history = nil
	}
	r := e.classifier.Update(vix, history)
	logger.Info().Str("regime", string(r.State)).Float64("vix", r.VIX).Str("trend", string(r.Trend)).Msg("Regime updated")
	if e.metrics != nil {
		e.metrics.VIX.Set(r.VIX)
		e.metrics.SetRegime(string(r.State), regimeStates)
	}
	return r
}

// marks prices every open position: stock at the last trade, option
// structures at the current cost to close. Positions that cannot be priced
// are left out and only checked for expiry.
func (e *Engine) marks(ctx context.Context, logger zerolog.Logger) map[string]float64 {
	marks := make(map[string]float64)
	for _, pos := range e.risk.Positions() {
		if ctx.Err() != nil {
			break
		}
		plog := logging.WithPosition(logger, pos.ID)

		if pos.TradeType == models.TradeStock {
			price, err := e.provider.LastPrice(ctx, pos.Ticker)
			if err != nil {
				plog.Warn().Err(err).Msg("No price for position")
				continue
			}
			marks[pos.ID] = price
			continue
		}

		chain, err := e.provider.OptionChain(ctx, pos.Ticker, pos.Expiration)
		if err != nil {
			plog.Warn().Err(err).Msg("No chain for position")
			continue
		}
		mark, ok := risk.StructureMark(pos, chain)
		if !ok {
			plog.Warn().Msg("Chain is missing a leg of the position")
			continue
		}
		marks[pos.ID] = mark
	}
	return marks
}

// executeExit closes the position behind ex. A failed or partial close
// leaves the position in its exit state for the next cycle, with the legs
// that did close recorded; only a ledger failure is returned.
func (e *Engine) executeExit(ctx context.Context, ex risk.Exit, logger zerolog.Logger) (*models.Position, error) {
	pos := ex.Position
	plog := logging.WithPosition(logger, pos.ID)

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.Engine.ExecutionTimeout)
	out, err := e.executor.Close(execCtx, pos)
	cancel()
	if e.metrics != nil {
		e.metrics.LegFailures.Add(float64(len(out.Failed)))
	}
	if err != nil {
		plog.Error().Err(err).Ints("closed_legs", out.Legs).Msg("Failed to close position, retrying next cycle")
		e.notifyError(ctx, err, "close "+pos.ID)
		if len(out.Legs) > 0 {
			if err := e.risk.RecordClosedLegs(ctx, pos.ID, out.Legs, out.OrderIDs); err != nil {
				return nil, fmt.Errorf("recording partial close of %s: %w", pos.ID, err)
			}
		}
		return nil, nil
	}

	exitPrice := ex.Mark
	if exitPrice <= 0 {
		// Never priced: book it flat rather than at an invented mark.
		exitPrice = pos.EntryPrice
		plog.Warn().Msg("No mark for closed position, recording a flat exit")
	}
	closed, err := e.risk.Close(ctx, pos.ID, exitPrice, ex.Reason, e.now())
	if err != nil {
		if errors.Is(err, apperrors.ErrPositionNotFound) {
			plog.Warn().Err(err).Msg("Position already closed")
			return nil, nil
		}
		return nil, fmt.Errorf("closing %s: %w", pos.ID, err)
	}
	plog.Info().Float64("pnl", closed.RealizedPnL).Str("state", string(ex.State)).Msg("Position closed")
	if e.notifier != nil {
		if err := e.notifier.SendExit(ctx, closed); err != nil {
			plog.Warn().Err(err).Msg("Exit notification failed")
		}
	}
	return closed, nil
}

// admit sizes, gates and executes one ranked signal. It returns the opened
// position, or nil and the reason it was not opened.
func (e *Engine) admit(ctx context.Context, sig models.Signal, mult float64, logger zerolog.Logger) (*models.Position, string, error) {
	slog := logging.WithStrategy(logging.WithTicker(logger, sig.Ticker), sig.Strategy)
	sized := e.risk.Size(sig, mult)

	if err := e.risk.CanOpen(sized); err != nil {
		var riskErr *apperrors.RiskError
		if errors.As(err, &riskErr) && e.metrics != nil {
			e.metrics.Rejections.WithLabelValues(riskErr.Rule).Inc()
		}
		slog.Info().Str("trade_type", string(sized.TradeType)).Msg("Skip: " + err.Error())
		return nil, err.Error(), nil
	}

	slog.Info().Str("trade_type", string(sized.TradeType)).Float64("score", sized.Score).Int("quantity", sized.Quantity()).Msg("Executing")
	execCtx, cancel := context.WithTimeout(ctx, e.cfg.Engine.ExecutionTimeout)
	out, err := e.executor.Execute(execCtx, sized)
	cancel()
	if e.metrics != nil {
		e.metrics.LegFailures.Add(float64(len(out.Failed)))
	}
	if err != nil {
		slog.Warn().Err(err).Msg("No orders filled")
		e.notifyError(ctx, err, "open "+sized.Ticker)
		return nil, err.Error(), nil
	}

	pos, err := e.risk.Open(ctx, sized, out.OrderIDs, e.now())
	if err != nil {
		return nil, "", fmt.Errorf("recording %s %s: %w", sized.Ticker, sized.TradeType, err)
	}
	slog.Info().Str("position_id", pos.ID).Int("orders", len(out.OrderIDs)).Msg("Trade opened")
	if e.metrics != nil {
		e.metrics.Opened.WithLabelValues(pos.Strategy).Inc()
	}
	if e.notifier != nil {
		if err := e.notifier.SendOpen(ctx, pos); err != nil {
			slog.Warn().Err(err).Msg("Open notification failed")
		}
	}
	return pos, "", nil
}

// maybeSendSummary sends the daily summary once, on the first closed-market
// cycle after a weekday session ended.
func (e *Engine) maybeSendSummary(ctx context.Context, now time.Time, logger zerolog.Logger) {
	if e.notifier == nil {
		return
	}
	local := now.In(e.session.Location)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday || now.Before(e.session.CloseOn(now)) {
		return
	}
	date := local.Format("2006-01-02")
	if e.lastSummary == date {
		return
	}
	stats, err := e.risk.Stats(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Stats unavailable for daily summary")
		return
	}
	if err := e.notifier.SendDailySummary(ctx, date, stats); err != nil {
		logger.Warn().Err(err).Msg("Daily summary failed")
	}
	e.lastSummary = date
}

func (e *Engine) notifyError(ctx context.Context, err error, what string) {
	if e.notifier == nil {
		return
	}
	if nerr := e.notifier.SendError(ctx, err, what); nerr != nil {
		e.logger.Warn().Err(nerr).Msg("Error notification failed")
	}
}

func (e *Engine) countExit(ex risk.Exit) {
	if e.metrics != nil {
		e.metrics.Exits.WithLabelValues(string(ex.State)).Inc()
	}
}

func (e *Engine) finish(ctx context.Context, rep *CycleReport, logger zerolog.Logger) (*CycleReport, error) {
	rep.Duration = time.Since(rep.StartedAt)
	if err := e.writeStatus(ctx, rep); err != nil {
		return e.fail(ctx, rep, logger, err)
	}
	e.heartbeat.Store(e.now().UnixNano())
	e.failures.Store(0)
	e.observe(ctx, rep, "ok")
	logging.LogCycle(logger, len(rep.Signals), len(rep.Opened), len(rep.Exits), rep.Duration)
	return rep, nil
}

func (e *Engine) fail(ctx context.Context, rep *CycleReport, logger zerolog.Logger, err error) (*CycleReport, error) {
	rep.Duration = time.Since(rep.StartedAt)
	e.heartbeat.Store(e.now().UnixNano())
	e.failures.Add(1)
	e.observe(ctx, rep, "error")
	logger.Error().Err(err).Msg("Cycle aborted")
	e.notifyError(ctx, err, "cycle "+rep.ID)
	return rep, err
}

func (e *Engine) observe(ctx context.Context, rep *CycleReport, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.Cycles.WithLabelValues(outcome).Inc()
	e.metrics.CycleDuration.Observe(rep.Duration.Seconds())

	st := e.risk.State()
	e.metrics.OpenPositions.Set(float64(st.OpenPositions))
	e.metrics.CapitalAtRisk.Set(st.CapitalAtRisk)
	e.metrics.NetDelta.Set(st.NetDelta)
	e.metrics.NetTheta.Set(st.NetTheta)
	if stats, err := e.risk.Stats(ctx); err == nil {
		e.metrics.RealizedPnL.Set(stats.TotalPnL)
	}
}

// Heartbeat returns when the last cycle ended and how many cycles in a
// row have failed. It is safe to call while Run is active.
func (e *Engine) Heartbeat() (time.Time, int) {
	ns := e.heartbeat.Load()
	if ns == 0 {
		return time.Time{}, int(e.failures.Load())
	}
	return time.Unix(0, ns), int(e.failures.Load())
}

// Run executes a cycle immediately and then every scan interval until ctx
// is cancelled. A failed cycle is logged and the loop carries on.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Engine.ScanInterval
	e.logger.Info().
		Str("mode", e.cfg.Engine.Mode).
		Dur("interval", interval).
		Strs("watchlist", e.cfg.Engine.Watchlist).
		Strs("strategies", e.scanner.Names()).
		Msg("Engine starting")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("Cycle failed")
		}

		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Engine stopping")
			if err := e.writeStopped(); err != nil {
				e.logger.Warn().Err(err).Msg("Final status write failed")
			}
			return nil
		case <-ticker.C:
		}
	}
}
