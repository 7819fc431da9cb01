package market

import (
	"context"
	"fmt"
	"sort"
	"time"

	finance "github.com/piquette/finance-go"
	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/options"
	"github.com/piquette/finance-go/quote"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/logging"
	"optionsbot/internal/models"
	"optionsbot/pkg/utils"
)

// YahooProvider implements Provider on top of the Yahoo Finance endpoints.
type YahooProvider struct {
	retry   utils.RetryConfig
	timeout time.Duration
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewYahooProvider creates a provider with the default retry policy.
func NewYahooProvider(logger zerolog.Logger) *YahooProvider {
	retry := utils.DefaultRetryConfig()
	retry.PermanentErrors = []error{apperrors.ErrDataUnavailable}
	return &YahooProvider{
		retry:  retry,
		logger: logger.With().Str("component", "yahoo").Logger(),
		now:    time.Now,
	}
}

// WithTimeout bounds every call, retries included, by d.
func (p *YahooProvider) WithTimeout(d time.Duration) *YahooProvider {
	p.timeout = d
	return p
}

// WithRateLimit caps outgoing requests at perSecond, counting each retry
// attempt. A non-positive rate disables the cap.
func (p *YahooProvider) WithRateLimit(perSecond float64) *YahooProvider {
	if perSecond <= 0 {
		p.limiter = nil
		return p
	}
	burst := int(perSecond * 2)
	if burst < 1 {
		burst = 1
	}
	p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return p
}

// fetch runs a blocking finance-go call with retries, bounded by ctx.
func fetch[T any](ctx context.Context, p *YahooProvider, endpoint string, fn func() (T, error)) (T, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	start := time.Now()
	v, err := utils.RetryWithResult(ctx, p.retry, func() (T, error) {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, err
			}
		}
		return utils.WithContext(ctx, fn)
	})
	logging.LogAPICall(p.logger, "GET", endpoint, time.Since(start), err)
	return v, err
}

func (p *YahooProvider) Expirations(ctx context.Context, ticker string) ([]time.Time, error) {
	return fetch(ctx, p, "options/"+ticker, func() ([]time.Time, error) {
		iter := options.GetStraddle(ticker)
		for iter.Next() {
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to get expirations for %s: %w", ticker, err)
		}
		meta := iter.Meta()
		if meta == nil || len(meta.AllExpirationDates) == 0 {
			return nil, apperrors.NewDataError("expirations", ticker, "no listed expirations", nil)
		}
		return expirationsFromUnix(meta.AllExpirationDates), nil
	})
}

func (p *YahooProvider) OptionChain(ctx context.Context, ticker string, expiration time.Time) (*models.OptionChain, error) {
	return fetch(ctx, p, "options/"+ticker, func() (*models.OptionChain, error) {
		exp := expiration
		iter := options.GetStraddleP(&options.Params{
			UnderlyingSymbol: ticker,
			Expiration:       datetime.New(&exp),
		})
		var straddles []*finance.Straddle
		for iter.Next() {
			straddles = append(straddles, iter.Straddle())
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to get option chain for %s %s: %w", ticker, expiration.Format("2006-01-02"), err)
		}
		chain := chainFromStraddles(ticker, expiration, straddles)
		if chain.Empty() {
			return nil, apperrors.NewDataError("option_chain", ticker, "empty chain for "+expiration.Format("2006-01-02"), nil)
		}
		return chain, nil
	})
}

func (p *YahooProvider) PriceHistory(ctx context.Context, ticker string, period Period) ([]models.Candle, error) {
	return fetch(ctx, p, "chart/"+ticker, func() ([]models.Candle, error) {
		return p.bars(ticker, period)
	})
}

func (p *YahooProvider) bars(symbol string, period Period) ([]models.Candle, error) {
	end := p.now()
	start := period.Start(end)
	iter := chart.Get(&chart.Params{
		Symbol:   symbol,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: datetime.OneDay,
	})

	var bars []*finance.ChartBar
	for iter.Next() {
		bars = append(bars, iter.Bar())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to get price history for %s: %w", symbol, err)
	}
	candles := candlesFromBars(bars)
	if len(candles) == 0 {
		return nil, apperrors.NewDataError("price_history", symbol, "no bars for "+string(period), nil)
	}
	return candles, nil
}

func (p *YahooProvider) LastPrice(ctx context.Context, ticker string) (float64, error) {
	return fetch(ctx, p, "quote/"+ticker, func() (float64, error) {
		q, err := quote.Get(ticker)
		if err != nil {
			return 0, fmt.Errorf("failed to get quote for %s: %w", ticker, err)
		}
		if q == nil || q.RegularMarketPrice <= 0 {
			return 0, apperrors.NewDataError("quote", ticker, "no market price", nil)
		}
		return q.RegularMarketPrice, nil
	})
}

func (p *YahooProvider) VolatilityIndex(ctx context.Context) (float64, error) {
	return p.LastPrice(ctx, VIXSymbol)
}

func (p *YahooProvider) VolatilityIndexHistory(ctx context.Context, period Period) ([]float64, error) {
	candles, err := p.PriceHistory(ctx, VIXSymbol, period)
	if err != nil {
		return nil, err
	}
	return models.ClosePrices(candles), nil
}

func expirationsFromUnix(dates []int) []time.Time {
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		out = append(out, time.Unix(int64(d), 0).UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func chainFromStraddles(ticker string, expiration time.Time, straddles []*finance.Straddle) *models.OptionChain {
	chain := &models.OptionChain{Ticker: ticker, Expiration: expiration}
	for _, s := range straddles {
		if s == nil {
			continue
		}
		if s.Call != nil {
			chain.Calls = append(chain.Calls, quoteFromContract(ticker, expiration, models.Call, s.Call))
		}
		if s.Put != nil {
			chain.Puts = append(chain.Puts, quoteFromContract(ticker, expiration, models.Put, s.Put))
		}
	}
	return chain
}

func quoteFromContract(ticker string, expiration time.Time, kind models.OptionKind, c *finance.Contract) models.OptionQuote {
	return models.OptionQuote{
		Ticker:       ticker,
		Symbol:       c.Symbol,
		Expiration:   expiration,
		Strike:       c.Strike,
		Kind:         kind,
		Bid:          c.Bid,
		Ask:          c.Ask,
		Last:         c.LastPrice,
		ImpliedVol:   c.ImpliedVolatility,
		Volume:       int64(c.Volume),
		OpenInterest: int64(c.OpenInterest),
	}
}

// candlesFromBars converts chart bars, dropping bars without a close.
func candlesFromBars(bars []*finance.ChartBar) []models.Candle {
	candles := make([]models.Candle, 0, len(bars))
	for _, b := range bars {
		if b == nil || !b.Close.IsPositive() {
			continue
		}
		candles = append(candles, models.Candle{
			Timestamp: time.Unix(int64(b.Timestamp), 0).UTC(),
			Open:      b.Open.InexactFloat64(),
			High:      b.High.InexactFloat64(),
			Low:       b.Low.InexactFloat64(),
			Close:     b.Close.InexactFloat64(),
			Volume:    int64(b.Volume),
		})
	}
	return candles
}
