// Package advisory asks a language model whether an earnings premium-selling
// trade is worth taking.
package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"optionsbot/internal/config"
	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/resilience"
)

// Fallback convictions.
const (
	ConvictionNoModel     = 5
	ConvictionUnavailable = 6
)

const systemPrompt = "You are a quantitative options analyst. Respond only in valid JSON."

// TradeContext is what the model sees about a candidate earnings trade.
type TradeContext struct {
	Ticker         string
	EarningsDate   time.Time
	RecentChanges  []float64 // daily fractional changes, oldest first
	ATMIV          float64
	IVPercentile   float64
	ImpliedMovePct float64 // ATM straddle / price, in percent
	EarningsMoves  []float64 // post-announcement moves, oldest first
	VIX            float64 // 0 if unknown
}

// Verdict is the gatekeeper's answer.
type Verdict struct {
	ShouldTrade bool
	Conviction  int
	Strategy    string
	Direction   string
	Reasoning   string
}

// Gatekeeper decides whether a trade should proceed.
//
// Evaluate always returns a usable Verdict. When the model cannot be
// reached or answers nonsense, the error is non-nil and the Verdict holds
// the fallback policy for that failure.
type Gatekeeper interface {
	Evaluate(ctx context.Context, tc TradeContext) (Verdict, error)
}

// Completer is the slice of the OpenAI client the gatekeeper uses.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// StaticGatekeeper approves every trade at a fixed conviction. It stands in
// when no model is configured.
type StaticGatekeeper struct{}

func (StaticGatekeeper) Evaluate(context.Context, TradeContext) (Verdict, error) {
	return Verdict{
		ShouldTrade: true,
		Conviction:  ConvictionNoModel,
		Strategy:    "iron_condor",
		Direction:   "flat",
		Reasoning:   "No LLM available, defaulting to iron condor",
	}, nil
}

// OpenAIGatekeeper asks an OpenAI chat model for a JSON verdict.
type OpenAIGatekeeper struct {
	client        Completer
	model         string
	minConviction int
	timeout       time.Duration
	breaker       *resilience.CircuitBreaker
	logger        zerolog.Logger
}

// New returns the gatekeeper for cfg: the OpenAI gatekeeper when advisory
// is enabled and a key is set, the static one otherwise.
func New(cfg config.AdvisoryConfig, apiKey string, timeout time.Duration, logger zerolog.Logger) Gatekeeper {
	if !cfg.Enabled || apiKey == "" {
		logger.Warn().Msg("No OpenAI API key, earnings trades are not screened")
		return StaticGatekeeper{}
	}
	return NewOpenAIGatekeeper(openai.NewClient(apiKey), cfg, timeout, logger)
}

// NewOpenAIGatekeeper creates a gatekeeper over client.
func NewOpenAIGatekeeper(client Completer, cfg config.AdvisoryConfig, timeout time.Duration, logger zerolog.Logger) *OpenAIGatekeeper {
	return &OpenAIGatekeeper{
		client:        client,
		model:         cfg.Model,
		minConviction: cfg.MinConviction,
		timeout:       timeout,
		breaker:       resilience.NewCircuitBreaker("advisory", resilience.DefaultCircuitBreakerConfig()),
		logger:        logger.With().Str("component", "advisory").Logger(),
	}
}

// Breaker exposes the gatekeeper's circuit breaker.
func (g *OpenAIGatekeeper) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

func (g *OpenAIGatekeeper) Evaluate(ctx context.Context, tc TradeContext) (Verdict, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	content, err := resilience.ExecuteWithResult(ctx, g.breaker, func(ctx context.Context) (string, error) {
		return g.complete(ctx, BuildPrompt(tc))
	})
	if err != nil {
		g.logger.Error().Err(err).Str("ticker", tc.Ticker).Msg("LLM API error")
		return Verdict{
			ShouldTrade: true,
			Conviction:  ConvictionUnavailable,
			Strategy:    "iron_condor",
			Direction:   "flat",
			Reasoning:   fmt.Sprintf("LLM unavailable (%v), proceeding with default", err),
		}, apperrors.NewAdvisoryError(tc.Ticker, "complete", err)
	}

	verdict, err := ParseVerdict(content, g.minConviction)
	if err != nil {
		g.logger.Error().Err(err).Str("ticker", tc.Ticker).Msg("Failed to parse LLM response")
		return verdict, apperrors.NewAdvisoryError(tc.Ticker, "parse", err)
	}

	g.logger.Info().
		Str("ticker", tc.Ticker).
		Int("conviction", verdict.Conviction).
		Str("strategy", verdict.Strategy).
		Str("direction", verdict.Direction).
		Bool("should_trade", verdict.ShouldTrade).
		Msg(truncate(verdict.Reasoning, 120))
	return verdict, nil
}

func (g *OpenAIGatekeeper) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.3,
		MaxTokens:   300,
	})
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}
	return resp.Choices[0].Message.Content, nil
}

// BuildPrompt renders the user prompt for tc.
func BuildPrompt(tc TradeContext) string {
	recent := formatMoves(tc.RecentChanges, 5)
	hist := formatMoves(tc.EarningsMoves, 6)
	vix := "Unknown"
	if tc.VIX > 0 {
		vix = fmt.Sprintf("%.1f", tc.VIX)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze %s ahead of earnings on %s.\n\n", tc.Ticker, tc.EarningsDate.Format("2006-01-02"))
	fmt.Fprintf(&b, "Current price action (last 5 days): %s\n", recent)
	fmt.Fprintf(&b, "Current IV: %.0f%% (percentile: %.0f%%)\n", tc.ATMIV*100, tc.IVPercentile)
	fmt.Fprintf(&b, "Options implied move: %.1f%%\n", tc.ImpliedMovePct)
	fmt.Fprintf(&b, "Historical earnings moves (last 6 quarters): %s\n", hist)
	fmt.Fprintf(&b, "VIX level: %s\n\n", vix)
	b.WriteString(`Should we play this earnings? If yes, recommend one:
- iron_condor (expect stock stays flat, sell premium)
- bull_spread (expect stock goes up)
- bear_spread (expect stock goes down)
- straddle (expect big move either direction)
- skip (don't trade this one)

Rate your conviction 1-10 (10 = extremely confident).

Respond in JSON only:
{"should_trade": true/false, "conviction": 1-10, "strategy": "iron_condor|bull_spread|bear_spread|straddle|skip", "direction": "flat|up|down|big_move", "reasoning": "brief explanation"}`)
	return b.String()
}

func formatMoves(moves []float64, n int) string {
	if len(moves) == 0 {
		return "N/A"
	}
	if len(moves) > n {
		moves = moves[len(moves)-n:]
	}
	parts := make([]string, len(moves))
	for i, m := range moves {
		parts[i] = fmt.Sprintf("%+.1f%%", m*100)
	}
	return strings.Join(parts, ", ")
}

type rawVerdict struct {
	ShouldTrade bool     `json:"should_trade"`
	Conviction  *float64 `json:"conviction"`
	Strategy    string   `json:"strategy"`
	Direction   string   `json:"direction"`
	Reasoning   string   `json:"reasoning"`
}

// ParseVerdict decodes a model answer, tolerating a markdown code fence.
// A trade goes ahead only when the model says so with at least
// minConviction. An undecodable answer yields a skip verdict and an error.
func ParseVerdict(content string, minConviction int) (Verdict, error) {
	content = stripFence(content)

	var raw rawVerdict
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Verdict{
			ShouldTrade: false,
			Conviction:  0,
			Strategy:    "skip",
			Direction:   "flat",
			Reasoning:   fmt.Sprintf("JSON parse error: %v", err),
		}, fmt.Errorf("failed to decode verdict: %w", err)
	}

	v := Verdict{
		Conviction: ConvictionNoModel,
		Strategy:   raw.Strategy,
		Direction:  raw.Direction,
		Reasoning:  raw.Reasoning,
	}
	if raw.Conviction != nil {
		v.Conviction = int(*raw.Conviction)
	}
	if v.Strategy == "" {
		v.Strategy = "skip"
	}
	if v.Direction == "" {
		v.Direction = "flat"
	}
	if v.Reasoning == "" {
		v.Reasoning = "No reasoning provided"
	}
	v.ShouldTrade = raw.ShouldTrade && v.Conviction >= minConviction
	return v, nil
}

func stripFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	parts := strings.Split(content, "```")
	if len(parts) < 2 {
		return content
	}
	inner := strings.TrimPrefix(parts[1], "json")
	return strings.TrimSpace(inner)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
