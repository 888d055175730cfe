package database

import (
	"fmt"
	"time"
)

// Order status values. Orders are born pending and resolve to exactly one
// terminal status.
const (
	OrderStatusPending   = "pending"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// Order tags identify the role an order plays within a position.
const (
	OrderTagEntry    = "entry"
	OrderTagStopLoss = "sl"
	OrderTagTrail    = "trail"
	OrderTagExit     = "exit"
)

// TakeProfitTag returns the tag for the n-th take profit, 1-based.
func TakeProfitTag(n int) string {
	return fmt.Sprintf("tp%d", n)
}

// Order types as sent to the venue.
const (
	OrderTypeMarket  = "market"
	OrderTypeLimit   = "limit"
	OrderTypeTrigger = "trigger"
)

// TakeProfitLevel is one rung of a take-profit ladder. Pct is the fraction
// of the entry size (0..1] closed at Price.
type TakeProfitLevel struct {
	Price float64 `json:"price"`
	Pct   float64 `json:"pct"`
}

// SignalRecord is a persisted trading signal
type SignalRecord struct {
	ID              int64             `json:"id"`
	AlertID         string            `json:"alert_id"`
	Source          string            `json:"source"`
	Asset           string            `json:"asset"`
	Side            string            `json:"side"`
	EntryPrice      float64           `json:"entry_price"`
	StopLoss        float64           `json:"stop_loss"`
	TakeProfits     []TakeProfitLevel `json:"take_profits"`
	RiskCheckPassed bool              `json:"risk_check_passed"`
	RiskCheckReason string            `json:"risk_check_reason"`
	CreatedAt       time.Time         `json:"created_at"`
}

// OrderRecord is a persisted order
type OrderRecord struct {
	ID           int64      `json:"id"`
	SignalID     *int64     `json:"signal_id,omitempty"`
	VenueOrderID int64      `json:"venue_order_id"`
	Coin         string     `json:"coin"`
	Side         string     `json:"side"`
	Size         float64    `json:"size"`
	Price        float64    `json:"price"`
	OrderType    string     `json:"order_type"`
	Tag          string     `json:"tag"`
	Status       string     `json:"status"`
	Mode         string     `json:"mode"`
	CreatedAt    time.Time  `json:"created_at"`
	FilledAt     *time.Time `json:"filled_at,omitempty"`
}

// FillRecord is a persisted fill against an order
type FillRecord struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// EquitySnapshotRecord is a point-in-time account equity reading
type EquitySnapshotRecord struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Equity        float64   `json:"equity"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	RealizedPnl   float64   `json:"realized_pnl"`
	OpenPositions int       `json:"open_positions"`
}
