package hyperliquid

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DryRunVenue satisfies Venue without touching the network. Placements are
// acknowledged with simulated order ids, stops and limits rest in memory and
// are visible through GetOpenOrders, and account state starts empty. Market
// orders report AvgPrice 0; callers fall back to their reference price.
type DryRunVenue struct {
	logger zerolog.Logger
	nextID atomic.Int64

	mu      sync.Mutex
	resting map[int64]OpenOrder
	meta    map[string]SymbolMeta
	equity  float64
}

var _ Venue = (*DryRunVenue)(nil)

// NewDryRunVenue builds a simulated venue with the given starting equity.
func NewDryRunVenue(equity float64, logger zerolog.Logger) *DryRunVenue {
	return &DryRunVenue{
		logger:  logger.With().Str("component", "hl-dryrun").Logger(),
		resting: make(map[int64]OpenOrder),
		meta:    make(map[string]SymbolMeta),
		equity:  equity,
	}
}

// SetSymbolMeta overrides metadata for a symbol, for tests and non-default
// precision setups.
func (v *DryRunVenue) SetSymbolMeta(m SymbolMeta) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.meta[m.Name] = m
}

func (v *DryRunVenue) Connect(ctx context.Context) error {
	v.logger.Info().Msg("dry-run venue ready")
	return nil
}

func (v *DryRunVenue) SetLeverage(ctx context.Context, symbol string, leverage int, cross bool) error {
	m, err := v.GetSymbolMeta(ctx, symbol)
	if err != nil {
		return err
	}
	if leverage < 1 || leverage > m.MaxLeverage {
		return fmt.Errorf("%w: leverage %d outside [1, %d] for %s", ErrSanity, leverage, m.MaxLeverage, symbol)
	}
	v.logger.Info().Str("symbol", symbol).Int("leverage", leverage).Bool("cross", cross).Msg("dry-run leverage set")
	return nil
}

func (v *DryRunVenue) PlaceMarket(ctx context.Context, symbol string, isBuy bool, size float64) (*PlacedOrder, error) {
	if err := CheckSize(size); err != nil {
		return nil, err
	}
	oid := v.nextID.Add(1)
	v.logger.Info().Str("symbol", symbol).Bool("buy", isBuy).Float64("size", size).Int64("oid", oid).Msg("dry-run market order")
	return &PlacedOrder{OrderID: oid, Filled: true, AvgPrice: 0, TotalSz: size}, nil
}

func (v *DryRunVenue) PlaceStopTrigger(ctx context.Context, symbol string, isBuy bool, size, triggerPrice float64, reduceOnly bool) (*PlacedOrder, error) {
	if err := CheckSize(size); err != nil {
		return nil, err
	}
	if err := CheckPrice(triggerPrice); err != nil {
		return nil, err
	}
	oid := v.nextID.Add(1)
	v.mu.Lock()
	v.resting[oid] = OpenOrder{
		OrderID:      oid,
		Symbol:       symbol,
		IsBuy:        isBuy,
		Price:        triggerPrice,
		TriggerPrice: triggerPrice,
		Size:         size,
		ReduceOnly:   reduceOnly,
		IsTrigger:    true,
	}
	v.mu.Unlock()
	v.logger.Info().Str("symbol", symbol).Float64("trigger", triggerPrice).Int64("oid", oid).Msg("dry-run stop placed")
	return &PlacedOrder{OrderID: oid}, nil
}

func (v *DryRunVenue) PlaceLimit(ctx context.Context, symbol string, isBuy bool, size, price float64, reduceOnly bool) (*PlacedOrder, error) {
	if err := CheckSize(size); err != nil {
		return nil, err
	}
	if err := CheckPrice(price); err != nil {
		return nil, err
	}
	oid := v.nextID.Add(1)
	v.mu.Lock()
	v.resting[oid] = OpenOrder{
		OrderID:    oid,
		Symbol:     symbol,
		IsBuy:      isBuy,
		Price:      price,
		Size:       size,
		ReduceOnly: reduceOnly,
	}
	v.mu.Unlock()
	v.logger.Info().Str("symbol", symbol).Float64("price", price).Int64("oid", oid).Msg("dry-run limit placed")
	return &PlacedOrder{OrderID: oid}, nil
}

func (v *DryRunVenue) Cancel(ctx context.Context, symbol string, orderID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.resting[orderID]; !ok {
		return fmt.Errorf("%w: unknown order %d", ErrVenueFatal, orderID)
	}
	delete(v.resting, orderID)
	v.logger.Info().Str("symbol", symbol).Int64("oid", orderID).Msg("dry-run order cancelled")
	return nil
}

// GetPositions always reports a flat account; simulated fills never build
// venue-side positions.
func (v *DryRunVenue) GetPositions(ctx context.Context) ([]Position, error) {
	return nil, nil
}

func (v *DryRunVenue) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	orders := make([]OpenOrder, 0, len(v.resting))
	for _, o := range v.resting {
		orders = append(orders, o)
	}
	return orders, nil
}

func (v *DryRunVenue) GetHistoricalOrders(ctx context.Context) ([]HistOrder, error) {
	return nil, nil
}

func (v *DryRunVenue) GetAccountEquity(ctx context.Context) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.equity, nil
}

// GetSymbolMeta returns configured metadata, defaulting to 3 size decimals
// and 50x max leverage for symbols never configured.
func (v *DryRunVenue) GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if m, ok := v.meta[symbol]; ok {
		return &m, nil
	}
	m := SymbolMeta{Name: symbol, SzDecimals: 3, MaxLeverage: 50}
	return &m, nil
}
