package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventDaemonStarted      EventType = "daemon_started"
	EventSignalReceived     EventType = "signal_received"
	EventRiskCheckPassed    EventType = "risk_check_passed"
	EventRiskCheckFailed    EventType = "risk_check_failed"
	EventOrderPlaced        EventType = "order_placed"
	EventPositionOpened     EventType = "position_opened"
	EventPositionClosed     EventType = "position_closed"
	EventReconcileOK        EventType = "reconcile_ok"
	EventReconcileDrift     EventType = "reconcile_drift"
	EventNotificationSent   EventType = "notification_sent"
	EventNotificationFailed EventType = "notification_failed"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions. The journal, when
// attached, is written synchronously so the file preserves publish order;
// subscribers run on their own goroutines and must not assume ordering.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
	journal     *Journal
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// AttachJournal starts appending every published event to j.
func (eb *Bus) AttachJournal(j *Journal) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.journal = j
}

// Subscribe registers a subscriber for a specific event type
func (eb *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *Bus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to the journal and to all subscribers
func (eb *Bus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if eb.journal != nil {
		// Best effort: the journal tracks its own write failures.
		_ = eb.journal.Append(event)
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishDaemonStarted publishes the startup marker event
func (eb *Bus) PublishDaemonStarted(mode string, symbols []string) {
	eb.Publish(Event{
		Type: EventDaemonStarted,
		Data: map[string]interface{}{
			"mode":    mode,
			"symbols": symbols,
		},
	})
}

// PublishSignalReceived publishes a signal received event
func (eb *Bus) PublishSignalReceived(alertID, symbol, strategy, direction string, entry float64) {
	eb.Publish(Event{
		Type: EventSignalReceived,
		Data: map[string]interface{}{
			"alert_id":  alertID,
			"symbol":    symbol,
			"strategy":  strategy,
			"direction": direction,
			"entry":     entry,
		},
	})
}

// PublishRiskCheckPassed publishes a risk check passed event
func (eb *Bus) PublishRiskCheckPassed(alertID, symbol string, notionalUsd float64) {
	eb.Publish(Event{
		Type: EventRiskCheckPassed,
		Data: map[string]interface{}{
			"alert_id":     alertID,
			"symbol":       symbol,
			"notional_usd": notionalUsd,
		},
	})
}

// PublishRiskCheckFailed publishes a risk check failed event
func (eb *Bus) PublishRiskCheckFailed(alertID, symbol, reason string) {
	eb.Publish(Event{
		Type: EventRiskCheckFailed,
		Data: map[string]interface{}{
			"alert_id": alertID,
			"symbol":   symbol,
			"reason":   reason,
		},
	})
}

// PublishOrderPlaced publishes an order placed event
func (eb *Bus) PublishOrderPlaced(symbol, tag, side string, venueOrderID int64, price, size float64) {
	eb.Publish(Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{
			"symbol":         symbol,
			"tag":            tag,
			"side":           side,
			"venue_order_id": venueOrderID,
			"price":          price,
			"size":           size,
		},
	})
}

// PublishPositionOpened publishes a position opened event
func (eb *Bus) PublishPositionOpened(symbol, strategy, direction string, entry, size, stopLoss float64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"strategy":  strategy,
			"direction": direction,
			"entry":     entry,
			"size":      size,
			"stop_loss": stopLoss,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (eb *Bus) PublishPositionClosed(symbol, strategy, reason string, exitPrice, pnl float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"strategy":   strategy,
			"reason":     reason,
			"exit_price": exitPrice,
			"pnl":        pnl,
		},
	})
}

// PublishReconcileOK publishes a clean reconciliation pass
func (eb *Bus) PublishReconcileOK(symbol string, checked int) {
	eb.Publish(Event{
		Type: EventReconcileOK,
		Data: map[string]interface{}{
			"symbol":  symbol,
			"checked": checked,
		},
	})
}

// PublishReconcileDrift publishes a detected local/venue divergence
func (eb *Bus) PublishReconcileDrift(symbol, kind, detail string) {
	eb.Publish(Event{
		Type: EventReconcileDrift,
		Data: map[string]interface{}{
			"symbol": symbol,
			"kind":   kind,
			"detail": detail,
		},
	})
}

// PublishNotificationSent publishes a delivered notification
func (eb *Bus) PublishNotificationSent(channel, subject string) {
	eb.Publish(Event{
		Type: EventNotificationSent,
		Data: map[string]interface{}{
			"channel": channel,
			"subject": subject,
		},
	})
}

// PublishNotificationFailed publishes a failed notification attempt
func (eb *Bus) PublishNotificationFailed(channel, subject string, err error) {
	data := map[string]interface{}{
		"channel": channel,
		"subject": subject,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventNotificationFailed,
		Data: data,
	})
}
