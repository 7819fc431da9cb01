package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"optionsbot/internal/config"
	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/logging"
	"optionsbot/internal/resilience"
)

// DefaultAlpacaURL is the paper trading endpoint.
const DefaultAlpacaURL = "https://paper-api.alpaca.markets"

// AlpacaExecutor implements Executor against the Alpaca trading REST API.
type AlpacaExecutor struct {
	client  *resty.Client
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewAlpacaExecutor creates an executor authenticated with creds. Every
// call is bounded by timeout.
func NewAlpacaExecutor(creds config.AlpacaCredentials, timeout time.Duration, logger zerolog.Logger) (*AlpacaExecutor, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, apperrors.ErrNoAPIKey
	}
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = DefaultAlpacaURL
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("APCA-API-KEY-ID", creds.APIKey)
	client.SetHeader("APCA-API-SECRET-KEY", creds.APISecret)
	client.SetHeader("Accept", "application/json")

	return &AlpacaExecutor{
		client:  client,
		breaker: resilience.NewCircuitBreaker("alpaca", resilience.DefaultCircuitBreakerConfig()),
		logger:  logger.With().Str("component", "alpaca").Logger(),
	}, nil
}

// Breaker exposes the circuit breaker guarding the API.
func (a *AlpacaExecutor) Breaker() *resilience.CircuitBreaker {
	return a.breaker
}

type alpacaTarget struct {
	LimitPrice string `json:"limit_price,omitempty"`
	StopPrice  string `json:"stop_price,omitempty"`
}

type alpacaOrderRequest struct {
	Symbol        string        `json:"symbol"`
	Qty           string        `json:"qty"`
	Side          string        `json:"side"`
	Type          string        `json:"type"`
	TimeInForce   string        `json:"time_in_force"`
	LimitPrice    string        `json:"limit_price,omitempty"`
	OrderClass    string        `json:"order_class,omitempty"`
	TakeProfit    *alpacaTarget `json:"take_profit,omitempty"`
	StopLoss      *alpacaTarget `json:"stop_loss,omitempty"`
	ClientOrderID string        `json:"client_order_id,omitempty"`
}

type alpacaOrder struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Status         string    `json:"status"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice *string   `json:"filled_avg_price"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

type alpacaAccount struct {
	Equity      string `json:"equity"`
	Cash        string `json:"cash"`
	BuyingPower string `json:"buying_power"`
	Status      string `json:"status"`
}

type alpacaError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *AlpacaExecutor) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	body := alpacaOrderRequest{
		Symbol:        req.Symbol,
		Qty:           strconv.Itoa(req.Qty),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
	}
	if body.TimeInForce == "" {
		body.TimeInForce = "day"
	}
	if req.LimitPrice > 0 {
		body.LimitPrice = priceString(req.LimitPrice)
	}
	if req.AssetClass == AssetEquity && req.IsBracket() {
		body.OrderClass = "bracket"
		body.TakeProfit = &alpacaTarget{LimitPrice: priceString(req.TakeProfit)}
		body.StopLoss = &alpacaTarget{StopPrice: priceString(req.StopLoss)}
	}

	order, err := resilience.ExecuteWithResult(ctx, a.breaker, func(ctx context.Context) (*alpacaOrder, error) {
		var out alpacaOrder
		err := a.do(ctx, http.MethodPost, "/v2/orders", body, &out)
		return &out, err
	})
	if err != nil {
		return nil, apperrors.NewOrderError("", req.Symbol, string(req.Side), "submit failed", err)
	}
	return order.result(), nil
}

func (a *AlpacaExecutor) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	order, err := resilience.ExecuteWithResult(ctx, a.breaker, func(ctx context.Context) (*alpacaOrder, error) {
		var out alpacaOrder
		err := a.do(ctx, http.MethodDelete, "/v2/positions/"+symbol, nil, &out)
		return &out, err
	})
	if err != nil {
		return nil, apperrors.NewOrderError("", symbol, "close", "close failed", err)
	}
	return order.result(), nil
}

func (a *AlpacaExecutor) GetAccount(ctx context.Context) (*Account, error) {
	acct, err := resilience.ExecuteWithResult(ctx, a.breaker, func(ctx context.Context) (*alpacaAccount, error) {
		var out alpacaAccount
		err := a.do(ctx, http.MethodGet, "/v2/account", nil, &out)
		return &out, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &Account{
		Equity:      parseDecimal(acct.Equity),
		Cash:        parseDecimal(acct.Cash),
		BuyingPower: parseDecimal(acct.BuyingPower),
		Status:      acct.Status,
	}, nil
}

// do sends one request and decodes a 2xx body into out. 403 and 422 are
// rejections; anything else non-2xx is an execution failure.
func (a *AlpacaExecutor) do(ctx context.Context, method, path string, body, out interface{}) error {
	start := time.Now()
	r := a.client.R().SetContext(ctx)
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := r.Execute(method, path)
	logging.LogAPICall(a.logger, method, path, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrExecution, err)
	}

	if resp.IsError() {
		var apiErr alpacaError
		msg := resp.String()
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		switch resp.StatusCode() {
		case http.StatusForbidden, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, msg)
		default:
			return fmt.Errorf("%w: HTTP %d: %s", apperrors.ErrExecution, resp.StatusCode(), msg)
		}
	}

	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", apperrors.ErrExecution, path, err)
	}
	return nil
}

func (o *alpacaOrder) result() *OrderResult {
	res := &OrderResult{
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Status:      o.Status,
		SubmittedAt: o.SubmittedAt,
	}
	if n, err := strconv.Atoi(o.FilledQty); err == nil {
		res.FilledQty = n
	}
	if o.FilledAvgPrice != nil {
		res.FilledPrice = parseDecimal(*o.FilledAvgPrice)
	}
	return res
}

func parseDecimal(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
