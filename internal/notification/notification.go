package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/config"
	"github.com/EduKegler/breaker-sub003/internal/events"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifySignal     NotificationType = "signal"
	NotifyTradeOpen  NotificationType = "trade_open"
	NotifyTradeClose NotificationType = "trade_close"
	NotifyError      NotificationType = "error"
	NotifyInfo       NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	PnL       float64
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to the configured providers. Delivery is
// best effort: per-channel outcomes go to the bus as notification_sent or
// notification_failed, and Send returns the last error.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	bus       *events.Bus
	logger    zerolog.Logger
}

// NewManager creates a notification manager.
func NewManager(enabled bool, logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   enabled,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		err := n.Send(notification)
		if err != nil {
			lastErr = err
			m.logger.Warn().Err(err).
				Str("channel", n.Name()).
				Str("title", notification.Title).
				Msg("Notification delivery failed")
		}
		if m.bus != nil {
			if err != nil {
				m.bus.PublishNotificationFailed(n.Name(), notification.Title, err)
			} else {
				m.bus.PublishNotificationSent(n.Name(), notification.Title)
			}
		}
	}
	return lastErr
}

// SendTradeOpen sends a position opened notification
func (m *Manager) SendTradeOpen(symbol, direction string, entry, size, stopLoss float64) error {
	return m.Send(&Notification{
		Type:    NotifyTradeOpen,
		Title:   fmt.Sprintf("Position Opened: %s", symbol),
		Message: fmt.Sprintf("%s %s @ %.4f\nSize: %.6f\nStop: %.4f", direction, symbol, entry, size, stopLoss),
		Symbol:  symbol,
		Price:   entry,
	})
}

// SendTradeClose sends a position closed notification
func (m *Manager) SendTradeClose(symbol, reason string, exitPrice, pnl float64) error {
	return m.Send(&Notification{
		Type:    NotifyTradeClose,
		Title:   fmt.Sprintf("Position Closed: %s", symbol),
		Message: fmt.Sprintf("Exit: %.4f\nPnL: %.2f USD\nReason: %s", exitPrice, pnl, reason),
		Symbol:  symbol,
		Price:   exitPrice,
		PnL:     pnl,
	})
}

// SendSignalRejected sends a risk gate rejection notification
func (m *Manager) SendSignalRejected(symbol, reason string) error {
	return m.Send(&Notification{
		Type:    NotifySignal,
		Title:   fmt.Sprintf("Signal Rejected: %s", symbol),
		Message: reason,
		Symbol:  symbol,
	})
}

// SendError sends an error notification
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Type:    NotifyError,
		Title:   title,
		Message: message,
	})
}

// ObserveBus attaches the manager to the bus: selected events become
// outbound notifications and every delivery outcome is published back.
// Handlers run on the bus's subscriber goroutines, so slow channels never
// block the publisher.
func (m *Manager) ObserveBus(bus *events.Bus) {
	m.bus = bus

	bus.Subscribe(events.EventPositionOpened, func(e events.Event) {
		m.SendTradeOpen(
			eventStr(e, "symbol"), eventStr(e, "direction"),
			eventNum(e, "entry"), eventNum(e, "size"), eventNum(e, "stop_loss"),
		)
	})
	bus.Subscribe(events.EventPositionClosed, func(e events.Event) {
		m.SendTradeClose(
			eventStr(e, "symbol"), eventStr(e, "reason"),
			eventNum(e, "exit_price"), eventNum(e, "pnl"),
		)
	})
	bus.Subscribe(events.EventRiskCheckFailed, func(e events.Event) {
		m.SendSignalRejected(eventStr(e, "symbol"), eventStr(e, "reason"))
	})
	bus.Subscribe(events.EventReconcileDrift, func(e events.Event) {
		m.SendError(
			fmt.Sprintf("Reconcile Drift: %s", eventStr(e, "symbol")),
			fmt.Sprintf("%s: %s", eventStr(e, "kind"), eventStr(e, "detail")),
		)
	})
}

func eventStr(e events.Event, key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

func eventNum(e events.Event, key string) float64 {
	switch v := e.Data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

const telegramAPIBase = "https://api.telegram.org"

// TelegramNotifier sends notifications via the Telegram bot API
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		baseURL:  telegramAPIBase,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if notification.Type == NotifyError {
		color = 0xFF0000
	} else if notification.Type == NotifyTradeClose && notification.PnL < 0 {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", notification.Price), "inline": true,
			})
		}
		if notification.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "PnL", "value": fmt.Sprintf("%.2f USD", notification.PnL), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
