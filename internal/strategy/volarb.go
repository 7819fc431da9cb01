package strategy

import (
	"context"
	"fmt"

	"optionsbot/internal/config"
	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/models"
)

// VolArb trades the gap between implied and realized volatility: it sells
// an iron condor when IV is rich against HV and buys a strangle when it is
// cheap.
type VolArb struct {
	deps *Deps
	cfg  config.VolArbConfig
}

// NewVolArb creates the volatility arbitrage scanner. deps.Analyzer must be
// built with cfg.HVLookback.
func NewVolArb(deps *Deps, cfg config.VolArbConfig) *VolArb {
	return &VolArb{deps: deps, cfg: cfg}
}

func (s *VolArb) Name() string { return models.StrategyVolArb }

func (s *VolArb) Scan(ctx context.Context, ticker string) ([]models.Signal, error) {
	price, err := s.deps.Provider.LastPrice(ctx, ticker)
	if err != nil {
		return nil, err
	}
	exp, err := s.deps.middleExpiration(ctx, ticker, s.cfg.DTEMin, s.cfg.DTEMax)
	if err != nil {
		return nil, err
	}
	chain, err := s.deps.Provider.OptionChain(ctx, ticker, exp)
	if err != nil {
		return nil, err
	}
	if chain.Empty() {
		return nil, apperrors.NewDataError("option_chain", ticker, "empty chain", nil)
	}

	atmIV, ok := s.deps.Analyzer.ATMImpliedVol(chain, price, s.deps.now())
	if !ok {
		return nil, apperrors.NewComputationError("atm_iv", ticker+": could not determine ATM IV")
	}
	snap, err := s.deps.Analyzer.Snapshot(ctx, ticker, atmIV, chain, price)
	if err != nil {
		return nil, err
	}
	if snap.HV == nil {
		return nil, apperrors.NewComputationError("historical_volatility", ticker+": not enough history")
	}
	if snap.ZScore == nil {
		return nil, apperrors.NewComputationError("iv_hv_zscore", ticker+": rolling HV distribution unavailable")
	}
	s.deps.Logger.Info().Str("ticker", ticker).Msg("Vol arb scan: " + snap.String())

	details := models.VolArbDetails{ATMIV: atmIV, HV: *snap.HV, ZScore: *snap.ZScore}
	if snap.IVPercentile != nil {
		details.IVPercentile, details.HasPercentile = *snap.IVPercentile, true
	}

	var sig models.Signal
	switch z := details.ZScore; {
	case z >= s.cfg.ZScoreThreshold:
		sig, ok = s.sellPremium(ticker, chain, price, details)
	case z <= -s.cfg.ZScoreThreshold:
		sig, ok = s.buyPremium(ticker, chain, price, details)
	default:
		return nil, nil
	}
	if !ok {
		return nil, apperrors.NewComputationError("vol_arb", ticker+": structure has no positive credit or debit")
	}
	sig.Details = details
	return []models.Signal{sig}, nil
}

func (s *VolArb) sellPremium(ticker string, chain *models.OptionChain, price float64, d models.VolArbDetails) (models.Signal, bool) {
	dte := models.DaysToExpiration(s.deps.now(), chain.Expiration)
	condor, ok := buildIronCondor(chain, price, d.ATMIV, dte, s.cfg.WingWidth)
	if !ok || condor.Credit <= 0 || condor.RiskPerContract() <= 0 {
		return models.Signal{}, false
	}
	sig := s.deps.condorSignal(ticker, s.Name(), models.DirectionNeutralSell, chain, price, condor)
	sig.Reason = fmt.Sprintf("Vol Arb SELL: %s IV=%.0f%% >> HV=%.0f%% (z=%.1f), selling iron condor for $%.2f/contract",
		ticker, d.ATMIV*100, d.HV*100, d.ZScore, condor.Credit)
	return sig, true
}

func (s *VolArb) buyPremium(ticker string, chain *models.OptionChain, price float64, d models.VolArbDetails) (models.Signal, bool) {
	st, ok := buildStrangle(chain, price, s.cfg.StrangleOTMPct)
	if !ok || st.Debit <= 0 {
		return models.Signal{}, false
	}
	riskPerContract := st.Debit * models.ContractMultiplier
	n := contractsFor(s.deps.MaxRiskPerTrade, riskPerContract)

	sig := s.deps.newSignal(ticker, s.Name(), models.TradeLongStrangle, models.DirectionNeutralBuy, chain.Expiration, price)
	sig.Legs = st.Legs()
	sig.NetDebit = st.Debit
	sig.Contracts = n
	sig.MaxRisk = riskPerContract * float64(n)
	sig.ProfitTarget = riskPerContract * float64(n) * s.cfg.ProfitTargetPct
	sig.Reason = fmt.Sprintf("Vol Arb BUY: %s IV=%.0f%% << HV=%.0f%% (z=%.1f), buying strangle for $%.2f/contract",
		ticker, d.ATMIV*100, d.HV*100, d.ZScore, st.Debit)
	return sig, true
}
