// Package notify sends trade, exit and error notifications.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"optionsbot/internal/config"
	"optionsbot/internal/models"
	"optionsbot/internal/security"
	"optionsbot/pkg/utils"
)

// Notifier defines the notifications the engine emits.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	SendOpen(ctx context.Context, pos *models.Position) error
	SendExit(ctx context.Context, pos *models.Position) error
	SendDailySummary(ctx context.Context, date string, stats models.TradeStats) error
	SendError(ctx context.Context, err error, context string) error
}

// Channel is one notification destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrade   NotificationType = "trade"
	NotificationExit    NotificationType = "exit"
	NotificationError   NotificationType = "error"
	NotificationSummary NotificationType = "summary"
)

// NotificationLevel filters which notifications are sent.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelTradesOnly NotificationLevel = "trades_only"
	LevelErrorsOnly NotificationLevel = "errors_only"
)

// MultiNotifier fans notifications out to every channel.
type MultiNotifier struct {
	mu       sync.RWMutex
	channels []Channel
	level    NotificationLevel
}

// New builds a notifier from cfg. A disabled configuration yields a
// notifier with only the log channel.
func New(cfg config.NotifyConfig, logger zerolog.Logger) *MultiNotifier {
	mn := NewMultiNotifier(NotificationLevel(cfg.Level))
	mn.AddChannel(NewLogChannel(logger))
	if cfg.Enabled && cfg.WebhookURL != "" {
		mn.AddChannel(NewWebhookChannel(cfg.WebhookURL, 10*time.Second))
	}
	return mn
}

// NewMultiNotifier creates a notifier with no channels.
func NewMultiNotifier(level NotificationLevel) *MultiNotifier {
	if level == "" {
		level = LevelAll
	}
	return &MultiNotifier{level: level}
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch Channel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

func (mn *MultiNotifier) shouldSend(t NotificationType) bool {
	switch mn.level {
	case LevelTradesOnly:
		return t == NotificationTrade || t == NotificationExit
	case LevelErrorsOnly:
		return t == NotificationError
	default:
		return true
	}
}

// Send delivers n to every channel. Channel failures are collected; one
// failing channel never blocks the others.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if err := ch.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SendOpen announces a newly opened position.
func (mn *MultiNotifier) SendOpen(ctx context.Context, pos *models.Position) error {
	title := fmt.Sprintf("Opened %s %s", pos.Ticker, pos.TradeType)
	message := fmt.Sprintf("Strategy: %s\nDirection: %s\nQuantity: %d\nEntry: %s\nMax risk: %s\n\n%s",
		pos.Strategy, pos.Direction, pos.Quantity(),
		utils.FormatUSD(pos.EntryPrice), utils.FormatUSD(pos.MaxRisk), pos.Reason)

	return mn.Send(ctx, Notification{
		Type:    NotificationTrade,
		Title:   title,
		Message: message,
		Data: map[string]interface{}{
			"id":         pos.ID,
			"ticker":     pos.Ticker,
			"strategy":   pos.Strategy,
			"trade_type": pos.TradeType,
			"entry":      pos.EntryPrice,
			"max_risk":   pos.MaxRisk,
			"orders":     len(pos.OrderIDs),
		},
	})
}

// SendExit announces a closed position and its realized P&L.
func (mn *MultiNotifier) SendExit(ctx context.Context, pos *models.Position) error {
	title := fmt.Sprintf("Closed %s %s: %s", pos.Ticker, pos.TradeType, utils.FormatPnL(pos.RealizedPnL))
	message := fmt.Sprintf("Entry: %s\nExit: %s\nReason: %s",
		utils.FormatUSD(pos.EntryPrice), utils.FormatUSD(pos.ExitPrice), pos.ExitReason)

	return mn.Send(ctx, Notification{
		Type:    NotificationExit,
		Title:   title,
		Message: message,
		Data: map[string]interface{}{
			"id":     pos.ID,
			"ticker": pos.Ticker,
			"state":  pos.State,
			"exit":   pos.ExitPrice,
			"pnl":    pos.RealizedPnL,
			"reason": pos.ExitReason,
		},
	})
}

// SendDailySummary sends the realized performance for date.
func (mn *MultiNotifier) SendDailySummary(ctx context.Context, date string, stats models.TradeStats) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Today: %s\n", utils.FormatPnL(stats.DailyPnL[date])))
	sb.WriteString(fmt.Sprintf("Total trades: %d (W %d / L %d)\n", stats.TotalTrades, stats.Winners, stats.Losers))
	sb.WriteString(fmt.Sprintf("Win rate: %.1f%%\n", stats.WinRate))
	sb.WriteString(fmt.Sprintf("Total P&L: %s\n", utils.FormatPnL(stats.TotalPnL)))

	return mn.Send(ctx, Notification{
		Type:    NotificationSummary,
		Title:   "Daily summary " + date,
		Message: sb.String(),
		Data: map[string]interface{}{
			"date":         date,
			"day_pnl":      stats.DailyPnL[date],
			"total_trades": stats.TotalTrades,
			"win_rate":     stats.WinRate,
			"total_pnl":    stats.TotalPnL,
		},
	})
}

// SendError sends an error notification.
// Credentials in the error text are masked.
func (mn *MultiNotifier) SendError(ctx context.Context, err error, errContext string) error {
	msg := security.Redact(err.Error())
	return mn.Send(ctx, Notification{
		Type:    NotificationError,
		Title:   "Error: " + errContext,
		Message: msg,
		Data: map[string]interface{}{
			"context": errContext,
			"error":   msg,
		},
	})
}

// WebhookChannel posts notifications as JSON. The text field makes the
// payload Slack-compatible.
type WebhookChannel struct {
	client *resty.Client
	url    string
}

// NewWebhookChannel creates a webhook channel posting to url.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("User-Agent", "optionsbot/1.0")
	return &WebhookChannel{client: client, url: url}
}

func (w *WebhookChannel) Name() string {
	return "webhook"
}

func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	payload := map[string]interface{}{
		"text":      fmt.Sprintf("*%s*\n%s", n.Title, n.Message),
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// LogChannel writes notifications to the structured log.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(_ context.Context, n Notification) error {
	ev := l.logger.Info()
	if n.Type == NotificationError {
		ev = l.logger.Error()
	}
	keys := make([]string, 0, len(n.Data))
	for k := range n.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev = ev.Interface(k, n.Data[k])
	}
	ev.Str("event", "notify").Str("type", string(n.Type)).Msg(n.Title)
	return nil
}
