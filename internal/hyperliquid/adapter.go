package hyperliquid

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Position is a normalized open position.
type Position struct {
	Symbol        string
	Direction     string // "long" | "short"
	Size          float64
	EntryPrice    float64
	UnrealizedPnl float64
	Leverage      int
}

// OpenOrder is a normalized resting order.
type OpenOrder struct {
	OrderID      int64
	Symbol       string
	IsBuy        bool
	Price        float64
	TriggerPrice float64
	Size         float64
	ReduceOnly   bool
	IsTrigger    bool
}

// HistOrder is a normalized historical order with its venue status.
type HistOrder struct {
	OrderID   int64
	Symbol    string
	IsBuy     bool
	Price     float64
	Size      float64
	Status    string
	Timestamp int64
}

// SymbolMeta carries per-symbol precision and leverage limits.
type SymbolMeta struct {
	Name        string
	AssetID     int
	SzDecimals  int
	MaxLeverage int
}

// PlacedOrder is the outcome of a placement call. Filled indicates an
// immediate execution; resting orders report Filled=false.
type PlacedOrder struct {
	OrderID  int64
	Filled   bool
	AvgPrice float64
	TotalSz  float64
}

// Venue is the adapter capability set. The live implementation talks to
// Hyperliquid; the dry-run implementation simulates order ids against empty
// account state under the same contract.
type Venue interface {
	Connect(ctx context.Context) error
	SetLeverage(ctx context.Context, symbol string, leverage int, cross bool) error
	PlaceMarket(ctx context.Context, symbol string, isBuy bool, size float64) (*PlacedOrder, error)
	PlaceStopTrigger(ctx context.Context, symbol string, isBuy bool, size, triggerPrice float64, reduceOnly bool) (*PlacedOrder, error)
	PlaceLimit(ctx context.Context, symbol string, isBuy bool, size, price float64, reduceOnly bool) (*PlacedOrder, error)
	Cancel(ctx context.Context, symbol string, orderID int64) error
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context) ([]OpenOrder, error)
	GetHistoricalOrders(ctx context.Context) ([]HistOrder, error)
	GetAccountEquity(ctx context.Context) (float64, error)
	GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error)
}

// ============================================================================
// SANITY RANGES
// Values outside these ranges indicate a corrupted or misparsed batch; the
// whole batch is dropped and logged, never coerced.
// ============================================================================

// CheckPrice validates 0 < price < 10^7.
func CheckPrice(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 || v >= 1e7 {
		return fmt.Errorf("%w: price %v", ErrSanity, v)
	}
	return nil
}

// CheckSize validates 0 <= size < 10^6.
func CheckSize(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v >= 1e6 {
		return fmt.Errorf("%w: size %v", ErrSanity, v)
	}
	return nil
}

// CheckEquity validates -10^6 < equity < 10^8.
func CheckEquity(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= -1e6 || v >= 1e8 {
		return fmt.Errorf("%w: equity %v", ErrSanity, v)
	}
	return nil
}

// MapOrderStatus normalizes a venue order status into the local lifecycle
// vocabulary (pending → filled | cancelled | rejected). The boolean reports
// whether the caller should apply the change; an unknown or absent status
// with a local position present is left untouched as too-recent.
func MapOrderStatus(venueStatus string, hasLocalPosition bool) (string, bool) {
	switch venueStatus {
	case "filled", "triggered":
		return "filled", true
	case "canceled", "marginCanceled":
		return "cancelled", true
	case "rejected":
		return "rejected", true
	case "open":
		return "", false
	default:
		if !hasLocalPosition {
			return "cancelled", true
		}
		return "", false
	}
}

// ============================================================================
// LIVE VENUE
// ============================================================================

// LiveVenue implements Venue against the real API. Symbol metadata and
// asset ids are cached per session after the first Connect.
type LiveVenue struct {
	info     *InfoClient
	exchange *ExchangeClient
	wallet   string
	logger   zerolog.Logger

	metaMu sync.RWMutex
	meta   map[string]SymbolMeta
}

var _ Venue = (*LiveVenue)(nil)

// NewLiveVenue builds the live adapter. The wallet is the account address
// whose state is queried; orders are signed by the signer inside exchange.
func NewLiveVenue(info *InfoClient, exchange *ExchangeClient, wallet string, logger zerolog.Logger) *LiveVenue {
	return &LiveVenue{
		info:     info,
		exchange: exchange,
		wallet:   wallet,
		logger:   logger.With().Str("component", "hl-venue").Logger(),
		meta:     make(map[string]SymbolMeta),
	}
}

// Connect loads the universe metadata and verifies the API is reachable.
func (v *LiveVenue) Connect(ctx context.Context) error {
	meta, err := v.info.Meta(ctx)
	if err != nil {
		return fmt.Errorf("load universe meta: %w", err)
	}
	v.metaMu.Lock()
	for i, asset := range meta.Universe {
		v.meta[asset.Name] = SymbolMeta{
			Name:        asset.Name,
			AssetID:     i,
			SzDecimals:  asset.SzDecimals,
			MaxLeverage: asset.MaxLeverage,
		}
	}
	v.metaMu.Unlock()
	v.logger.Info().Int("assets", len(meta.Universe)).Msg("connected to venue")
	return nil
}

// GetSymbolMeta returns cached metadata, loading the universe on a miss.
func (v *LiveVenue) GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	v.metaMu.RLock()
	m, ok := v.meta[symbol]
	v.metaMu.RUnlock()
	if ok {
		return &m, nil
	}
	if err := v.Connect(ctx); err != nil {
		return nil, err
	}
	v.metaMu.RLock()
	defer v.metaMu.RUnlock()
	m, ok = v.meta[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: unknown symbol %s", ErrVenueFatal, symbol)
	}
	return &m, nil
}

func (v *LiveVenue) assetID(ctx context.Context, symbol string) (int, *SymbolMeta, error) {
	m, err := v.GetSymbolMeta(ctx, symbol)
	if err != nil {
		return 0, nil, err
	}
	return m.AssetID, m, nil
}

// SetLeverage updates leverage and margin mode for a symbol.
func (v *LiveVenue) SetLeverage(ctx context.Context, symbol string, leverage int, cross bool) error {
	asset, m, err := v.assetID(ctx, symbol)
	if err != nil {
		return err
	}
	if leverage < 1 || (m.MaxLeverage > 0 && leverage > m.MaxLeverage) {
		return fmt.Errorf("%w: leverage %d outside [1, %d] for %s", ErrSanity, leverage, m.MaxLeverage, symbol)
	}
	return v.exchange.UpdateLeverage(ctx, asset, leverage, cross)
}

// PlaceMarket submits an aggressive IOC limit far through the book, the
// venue's market-order encoding.
func (v *LiveVenue) PlaceMarket(ctx context.Context, symbol string, isBuy bool, size float64) (*PlacedOrder, error) {
	if err := CheckSize(size); err != nil {
		return nil, err
	}
	asset, m, err := v.assetID(ctx, symbol)
	if err != nil {
		return nil, err
	}
	refPx, err := v.midPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	// 5% through the mid guarantees a fill while bounding the worst case.
	slipPx := refPx * 1.05
	if !isBuy {
		slipPx = refPx * 0.95
	}
	wire := OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		LimitPx:    FormatPrice(slipPx),
		Sz:         FormatSize(size, m.SzDecimals),
		ReduceOnly: false,
		OrderType:  OrderTypeWire{Limit: &LimitType{Tif: "Ioc"}},
	}
	return v.placeOne(ctx, wire)
}

// PlaceStopTrigger submits a reduce-only stop as a trigger order that
// executes at market once triggerPrice prints.
func (v *LiveVenue) PlaceStopTrigger(ctx context.Context, symbol string, isBuy bool, size, triggerPrice float64, reduceOnly bool) (*PlacedOrder, error) {
	if err := CheckSize(size); err != nil {
		return nil, err
	}
	if err := CheckPrice(triggerPrice); err != nil {
		return nil, err
	}
	asset, m, err := v.assetID(ctx, symbol)
	if err != nil {
		return nil, err
	}
	wire := OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		LimitPx:    FormatPrice(triggerPrice),
		Sz:         FormatSize(size, m.SzDecimals),
		ReduceOnly: reduceOnly,
		OrderType: OrderTypeWire{Trigger: &TriggerType{
			IsMarket:  true,
			TriggerPx: FormatPrice(triggerPrice),
			Tpsl:      "sl",
		}},
	}
	return v.placeOne(ctx, wire)
}

// PlaceLimit submits a resting limit order.
func (v *LiveVenue) PlaceLimit(ctx context.Context, symbol string, isBuy bool, size, price float64, reduceOnly bool) (*PlacedOrder, error) {
	if err := CheckSize(size); err != nil {
		return nil, err
	}
	if err := CheckPrice(price); err != nil {
		return nil, err
	}
	asset, m, err := v.assetID(ctx, symbol)
	if err != nil {
		return nil, err
	}
	wire := OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		LimitPx:    FormatPrice(price),
		Sz:         FormatSize(size, m.SzDecimals),
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitType{Tif: "Gtc"}},
	}
	return v.placeOne(ctx, wire)
}

func (v *LiveVenue) placeOne(ctx context.Context, wire OrderWire) (*PlacedOrder, error) {
	resp, err := v.exchange.PlaceOrders(ctx, []OrderWire{wire})
	if err != nil {
		return nil, err
	}
	status := resp.Data.Statuses[0]
	switch {
	case status.Error != nil:
		return nil, fmt.Errorf("%w: order rejected: %s", ErrVenueFatal, *status.Error)
	case status.Filled != nil:
		if err := CheckPrice(status.Filled.AvgPx); err != nil {
			return nil, err
		}
		return &PlacedOrder{
			OrderID:  status.Filled.Oid,
			Filled:   true,
			AvgPrice: status.Filled.AvgPx,
			TotalSz:  status.Filled.TotalSz,
		}, nil
	case status.Resting != nil:
		return &PlacedOrder{OrderID: status.Resting.Oid}, nil
	default:
		return nil, fmt.Errorf("%w: empty order status", ErrVenueFatal)
	}
}

// Cancel removes a resting order.
func (v *LiveVenue) Cancel(ctx context.Context, symbol string, orderID int64) error {
	asset, _, err := v.assetID(ctx, symbol)
	if err != nil {
		return err
	}
	return v.exchange.CancelOrder(ctx, asset, orderID)
}

// GetPositions returns all open positions, dropping the batch on any value
// outside the sanity ranges.
func (v *LiveVenue) GetPositions(ctx context.Context) ([]Position, error) {
	state, err := v.info.ClearinghouseState(ctx, v.wallet)
	if err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		raw := ap.Position
		szi, err := parseFloat(raw.Szi)
		if err != nil {
			return nil, fmt.Errorf("%w: position size %q: %v", ErrSanity, raw.Szi, err)
		}
		if szi == 0 {
			continue
		}
		entry, err := parseFloat(raw.EntryPx)
		if err != nil {
			return nil, fmt.Errorf("%w: entry price %q: %v", ErrSanity, raw.EntryPx, err)
		}
		upnl, err := parseFloat(raw.UnrealizedPnl)
		if err != nil {
			return nil, fmt.Errorf("%w: unrealized pnl %q: %v", ErrSanity, raw.UnrealizedPnl, err)
		}
		direction := "long"
		if szi < 0 {
			direction = "short"
		}
		size := math.Abs(szi)
		if err := CheckSize(size); err != nil {
			return nil, err
		}
		if err := CheckPrice(entry); err != nil {
			return nil, err
		}
		positions = append(positions, Position{
			Symbol:        raw.Coin,
			Direction:     direction,
			Size:          size,
			EntryPrice:    entry,
			UnrealizedPnl: upnl,
			Leverage:      raw.Leverage.Value,
		})
	}
	return positions, nil
}

// GetOpenOrders returns normalized resting orders for the wallet.
func (v *LiveVenue) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	wires, err := v.info.FrontendOpenOrders(ctx, v.wallet)
	if err != nil {
		return nil, err
	}
	orders := make([]OpenOrder, 0, len(wires))
	for _, w := range wires {
		o, err := normalizeOpenOrder(w)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func normalizeOpenOrder(w OpenOrderWire) (OpenOrder, error) {
	price, err := parseFloat(w.LimitPx)
	if err != nil {
		return OpenOrder{}, fmt.Errorf("%w: limit price %q: %v", ErrSanity, w.LimitPx, err)
	}
	size, err := parseFloat(w.Sz)
	if err != nil {
		return OpenOrder{}, fmt.Errorf("%w: order size %q: %v", ErrSanity, w.Sz, err)
	}
	trigger := 0.0
	if w.IsTrigger {
		trigger, err = parseFloat(w.TriggerPx)
		if err != nil {
			return OpenOrder{}, fmt.Errorf("%w: trigger price %q: %v", ErrSanity, w.TriggerPx, err)
		}
	}
	if err := CheckSize(size); err != nil {
		return OpenOrder{}, err
	}
	return OpenOrder{
		OrderID:      w.Oid,
		Symbol:       w.Coin,
		IsBuy:        strings.EqualFold(w.Side, "B"),
		Price:        price,
		TriggerPrice: trigger,
		Size:         size,
		ReduceOnly:   w.ReduceOnly,
		IsTrigger:    w.IsTrigger,
	}, nil
}

// GetHistoricalOrders returns the order history with venue statuses.
func (v *LiveVenue) GetHistoricalOrders(ctx context.Context) ([]HistOrder, error) {
	wires, err := v.info.HistoricalOrders(ctx, v.wallet)
	if err != nil {
		return nil, err
	}
	orders := make([]HistOrder, 0, len(wires))
	for _, w := range wires {
		price, err := parseFloat(w.Order.LimitPx)
		if err != nil {
			return nil, fmt.Errorf("%w: historical price %q: %v", ErrSanity, w.Order.LimitPx, err)
		}
		size, err := parseFloat(w.Order.OrigSz)
		if err != nil {
			return nil, fmt.Errorf("%w: historical size %q: %v", ErrSanity, w.Order.OrigSz, err)
		}
		orders = append(orders, HistOrder{
			OrderID:   w.Order.Oid,
			Symbol:    w.Order.Coin,
			IsBuy:     strings.EqualFold(w.Order.Side, "B"),
			Price:     price,
			Size:      size,
			Status:    w.Status,
			Timestamp: w.StatusTimestamp,
		})
	}
	return orders, nil
}

// GetAccountEquity returns the account value in USD.
func (v *LiveVenue) GetAccountEquity(ctx context.Context) (float64, error) {
	state, err := v.info.ClearinghouseState(ctx, v.wallet)
	if err != nil {
		return 0, err
	}
	equity, err := parseFloat(state.MarginSummary.AccountValue)
	if err != nil {
		return 0, fmt.Errorf("%w: account value %q: %v", ErrSanity, state.MarginSummary.AccountValue, err)
	}
	if err := CheckEquity(equity); err != nil {
		return 0, err
	}
	return equity, nil
}

// midPrice returns the current mid for a symbol.
func (v *LiveVenue) midPrice(ctx context.Context, symbol string) (float64, error) {
	mids, err := v.info.AllMidPrices(ctx)
	if err != nil {
		return 0, err
	}
	raw, ok := mids[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: no mid price for %s", ErrVenueFatal, symbol)
	}
	px, err := parseFloat(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: mid price %q: %v", ErrSanity, raw, err)
	}
	if err := CheckPrice(px); err != nil {
		return 0, err
	}
	return px, nil
}
