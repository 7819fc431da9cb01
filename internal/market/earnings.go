package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	apperrors "optionsbot/internal/errors"
)

const (
	earningsCacheKey = "calendar"
	earningsTTL      = 24 * time.Hour
	browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

type nasdaqSurpriseResponse struct {
	Data struct {
		Table struct {
			Rows []struct {
				DateReported string `json:"dateReported"`
			} `json:"rows"`
		} `json:"earningsSurpriseTable"`
	} `json:"data"`
}

type nasdaqResponse struct {
	Data struct {
		Rows []struct {
			Symbol string `json:"symbol"`
		} `json:"rows"`
	} `json:"data"`
}

// NasdaqEarnings reads the NASDAQ earnings calendar one day at a time and
// keeps the result for a day.
type NasdaqEarnings struct {
	client     *resty.Client
	url        string
	window     int
	cache      *TTLCache[string, map[string]time.Time]
	historyURL string
	history    *TTLCache[string, []time.Time]
	now        func() time.Time
	logger     zerolog.Logger
}

// NewNasdaqEarnings creates a calendar covering today plus windowDays.
func NewNasdaqEarnings(url string, windowDays int, logger zerolog.Logger) *NasdaqEarnings {
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	client.SetHeader("User-Agent", browserUserAgent)
	client.SetHeader("Accept", "application/json")

	return &NasdaqEarnings{
		client:  client,
		url:     url,
		window:  windowDays,
		cache:   NewTTLCache[string, map[string]time.Time](earningsTTL),
		history: NewTTLCache[string, []time.Time](earningsTTL),
		now:     time.Now,
		logger:  logger.With().Str("component", "earnings").Logger(),
	}
}

// WithHistoryURL sets the per-ticker earnings history endpoint. The
// ticker replaces the %s verb.
func (n *NasdaqEarnings) WithHistoryURL(url string) *NasdaqEarnings {
	n.historyURL = url
	return n
}

// NextEarnings returns the announcement date for ticker within the window.
func (n *NasdaqEarnings) NextEarnings(ctx context.Context, ticker string) (time.Time, bool, error) {
	calendar, err := n.cache.GetOrLoad(earningsCacheKey, func() (map[string]time.Time, error) {
		return n.fetch(ctx)
	})
	if err != nil {
		return time.Time{}, false, err
	}
	date, ok := calendar[strings.ToUpper(ticker)]
	return date, ok, nil
}

// fetch walks the window day by day. Days that fail are skipped; the whole
// refresh fails only if no day could be read, so an outage is not cached.
func (n *NasdaqEarnings) fetch(ctx context.Context) (map[string]time.Time, error) {
	n.logger.Info().Int("days", n.window+1).Msg("Refreshing earnings calendar")

	now := n.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	calendar := make(map[string]time.Time)
	var lastErr error
	succeeded := 0

	for offset := 0; offset <= n.window; offset++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		day := today.AddDate(0, 0, offset)
		symbols, err := n.fetchDay(ctx, day)
		if err != nil {
			lastErr = err
			n.logger.Debug().Err(err).Str("date", day.Format("2006-01-02")).Msg("Earnings day fetch failed")
			continue
		}
		succeeded++
		for _, s := range symbols {
			// The first (earliest) date wins.
			if _, seen := calendar[s]; !seen {
				calendar[s] = day
			}
		}
	}

	if succeeded == 0 {
		return nil, apperrors.NewDataError("earnings", "", "earnings calendar unavailable", lastErr)
	}
	n.logger.Info().Int("symbols", len(calendar)).Msg("Earnings calendar refreshed")
	return calendar, nil
}

func (n *NasdaqEarnings) fetchDay(ctx context.Context, day time.Time) ([]string, error) {
	var body nasdaqResponse
	resp, err := n.client.R().
		SetContext(ctx).
		SetQueryParam("date", day.Format("2006-01-02")).
		SetResult(&body).
		Get(n.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch earnings: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("earnings calendar returned status %d", resp.StatusCode())
	}

	symbols := make([]string, 0, len(body.Data.Rows))
	for _, row := range body.Data.Rows {
		if s := strings.ToUpper(strings.TrimSpace(row.Symbol)); s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols, nil
}

// PastEarnings returns up to limit reported announcement dates for ticker,
// most recent first.
func (n *NasdaqEarnings) PastEarnings(ctx context.Context, ticker string, limit int) ([]time.Time, error) {
	if n.historyURL == "" {
		return nil, apperrors.NewDataError("earnings_history", ticker, "no history endpoint configured", nil)
	}
	ticker = strings.ToUpper(ticker)
	dates, err := n.history.GetOrLoad(ticker, func() ([]time.Time, error) {
		return n.fetchHistory(ctx, ticker)
	})
	if err != nil {
		return nil, err
	}
	if len(dates) > limit {
		dates = dates[:limit]
	}
	return append([]time.Time(nil), dates...), nil
}

func (n *NasdaqEarnings) fetchHistory(ctx context.Context, ticker string) ([]time.Time, error) {
	var body nasdaqSurpriseResponse
	resp, err := n.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(fmt.Sprintf(n.historyURL, strings.ToLower(ticker)))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch earnings history: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("earnings history returned status %d", resp.StatusCode())
	}

	var dates []time.Time
	for _, row := range body.Data.Table.Rows {
		d, err := time.Parse("1/2/2006", strings.TrimSpace(row.DateReported))
		if err != nil {
			continue
		}
		dates = append(dates, d)
	}
	if len(dates) == 0 {
		return nil, apperrors.NewDataError("earnings_history", ticker, "no reported earnings", nil)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].After(dates[j]) })
	return dates, nil
}
