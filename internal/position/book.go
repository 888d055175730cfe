package position

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EduKegler/breaker-sub003/internal/numeric"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

var ErrPositionExists = errors.New("position already open for symbol")

// Position is one live exposure. The book owns these; accessors hand out
// copies so readers never race the mutators.
type Position struct {
	Coin             string                `json:"coin"`
	Direction        strategy.Direction    `json:"direction"`
	Strategy         string                `json:"strategy"`
	EntryPrice       float64               `json:"entryPrice"`
	Size             float64               `json:"size"`
	InitialSize      float64               `json:"initialSize"`
	StopLoss         float64               `json:"stopLoss"`
	TakeProfits      []strategy.TakeProfit `json:"takeProfits,omitempty"`
	TrailingStopLoss float64               `json:"trailingStopLoss,omitempty"`
	LiquidationPrice float64               `json:"liquidationPrice,omitempty"`
	OpenedAt         time.Time             `json:"openedAt"`
	CurrentPrice     float64               `json:"currentPrice"`
	UnrealizedPnl    float64               `json:"unrealizedPnl"`
	VenueIncomplete  bool                  `json:"venueIncomplete,omitempty"`

	SignalID     int64   `json:"signalId,omitempty"`
	EntryOrderID int64   `json:"entryOrderId,omitempty"`
	StopOrderID  int64   `json:"stopOrderId,omitempty"`
	TrailOrderID int64   `json:"trailOrderId,omitempty"`
	TPOrderIDs   []int64 `json:"tpOrderIds,omitempty"`
}

func (p *Position) directionSign() float64 {
	if p.Direction == strategy.DirectionShort {
		return -1
	}
	return 1
}

// Book tracks at most one open position per symbol. Every mutation
// serializes behind the mutex; holders never perform network I/O.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

func NewBook() *Book {
	return &Book{positions: make(map[string]*Position)}
}

// Open records a new position. A symbol can hold only one position at a
// time; a second Open is an invariant violation surfaced to the caller.
func (b *Book) Open(p Position) error {
	if p.Coin == "" {
		return fmt.Errorf("position: empty coin")
	}
	if p.Size <= 0 || !numeric.IsFinite(p.Size) {
		return fmt.Errorf("position %s: size %v invalid", p.Coin, p.Size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.positions[p.Coin]; ok {
		return fmt.Errorf("%w: %s", ErrPositionExists, p.Coin)
	}
	if p.InitialSize == 0 {
		p.InitialSize = p.Size
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	p.CurrentPrice = p.EntryPrice
	cp := p
	b.positions[p.Coin] = &cp
	return nil
}

// Close removes and returns the position for symbol.
func (b *Book) Close(symbol string) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	delete(b.positions, symbol)
	return *p, true
}

// UpdatePrice refreshes the mark price and unrealized pnl. Non-finite or
// non-positive prices are ignored.
func (b *Book) UpdatePrice(symbol string, price float64) {
	if price <= 0 || !numeric.IsFinite(price) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return
	}
	p.CurrentPrice = price
	p.UnrealizedPnl = (price - p.EntryPrice) * p.Size * p.directionSign()
}

// Reduce shrinks the position by size (a partial take-profit fill) and
// returns the remaining size. Reducing to zero or below removes nothing;
// callers decide when a remainder is small enough to Close.
func (b *Book) Reduce(symbol string, size float64) (float64, bool) {
	if size <= 0 || !numeric.IsFinite(size) {
		b.mu.RLock()
		defer b.mu.RUnlock()
		if p, ok := b.positions[symbol]; ok {
			return p.Size, true
		}
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return 0, false
	}
	p.Size -= size
	if p.Size < 0 {
		p.Size = 0
	}
	p.UnrealizedPnl = (p.CurrentPrice - p.EntryPrice) * p.Size * p.directionSign()
	return p.Size, true
}

// MarkIncomplete flags a position whose protective set is only partially
// resting on the venue.
func (b *Book) MarkIncomplete(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return false
	}
	p.VenueIncomplete = true
	return true
}

// SetStopLoss rewrites the tracked stop level (0 plus incomplete=true marks
// a position whose protective order never reached the venue).
func (b *Book) SetStopLoss(symbol string, stopLoss float64, incomplete bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return false
	}
	p.StopLoss = stopLoss
	p.VenueIncomplete = incomplete
	return true
}

// SetTrailingStop records the venue-side trailing trigger and its order id.
// The id changes on every cancel-and-replace ratchet.
func (b *Book) SetTrailingStop(symbol string, orderID int64, level float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return false
	}
	p.TrailOrderID = orderID
	p.TrailingStopLoss = level
	return true
}

// SetProtectiveOrderIDs records the venue ids of the resting protective
// orders placed after entry.
func (b *Book) SetProtectiveOrderIDs(symbol string, stopOrderID int64, tpOrderIDs []int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return false
	}
	if stopOrderID != 0 {
		p.StopOrderID = stopOrderID
	}
	if len(tpOrderIDs) > 0 {
		p.TPOrderIDs = append([]int64(nil), tpOrderIDs...)
	}
	return true
}

// Get returns a copy of the position for symbol.
func (b *Book) Get(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// GetAll returns copies of every open position.
func (b *Book) GetAll() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out
}

func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// IsFlat reports whether no position is open for symbol.
func (b *Book) IsFlat(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.positions[symbol]
	return !ok
}
