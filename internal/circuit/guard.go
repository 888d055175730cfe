package circuit

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
)

// ErrOpen fails placements fast while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// VenueGuard wraps a Venue with the breaker. Placement calls fail fast
// while the breaker is open and feed their outcomes back into it; reads
// pass through untouched so the reconciler keeps observing a halted venue.
type VenueGuard struct {
	venue   hyperliquid.Venue
	breaker *Breaker
	logger  zerolog.Logger
}

var _ hyperliquid.Venue = (*VenueGuard)(nil)

// NewVenueGuard wraps venue with breaker.
func NewVenueGuard(venue hyperliquid.Venue, breaker *Breaker, logger zerolog.Logger) *VenueGuard {
	return &VenueGuard{
		venue:   venue,
		breaker: breaker,
		logger:  logger.With().Str("component", "venue-guard").Logger(),
	}
}

// Allow exposes the breaker decision for pre-trade checks.
func (g *VenueGuard) Allow() (bool, string) {
	return g.breaker.Allow()
}

func (g *VenueGuard) gate(op string) error {
	ok, reason := g.breaker.Allow()
	if ok {
		return nil
	}
	g.logger.Warn().Str("op", op).Str("reason", reason).Msg("Placement blocked by circuit breaker")
	return fmt.Errorf("%w: %s", ErrOpen, reason)
}

// record classifies a venue outcome for the breaker. Sanity and context
// errors say nothing about venue health and are not counted.
func (g *VenueGuard) record(err error) error {
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case errors.Is(err, hyperliquid.ErrVenueFatal):
		g.breaker.Trip(err.Error())
	case errors.Is(err, hyperliquid.ErrVenueTransient):
		g.breaker.RecordFailure(err.Error())
	}
	return err
}

func (g *VenueGuard) Connect(ctx context.Context) error {
	return g.venue.Connect(ctx)
}

func (g *VenueGuard) SetLeverage(ctx context.Context, symbol string, leverage int, cross bool) error {
	if err := g.gate("set_leverage"); err != nil {
		return err
	}
	return g.record(g.venue.SetLeverage(ctx, symbol, leverage, cross))
}

func (g *VenueGuard) PlaceMarket(ctx context.Context, symbol string, isBuy bool, size float64) (*hyperliquid.PlacedOrder, error) {
	if err := g.gate("place_market"); err != nil {
		return nil, err
	}
	placed, err := g.venue.PlaceMarket(ctx, symbol, isBuy, size)
	return placed, g.record(err)
}

func (g *VenueGuard) PlaceStopTrigger(ctx context.Context, symbol string, isBuy bool, size, triggerPrice float64, reduceOnly bool) (*hyperliquid.PlacedOrder, error) {
	if err := g.gate("place_stop_trigger"); err != nil {
		return nil, err
	}
	placed, err := g.venue.PlaceStopTrigger(ctx, symbol, isBuy, size, triggerPrice, reduceOnly)
	return placed, g.record(err)
}

func (g *VenueGuard) PlaceLimit(ctx context.Context, symbol string, isBuy bool, size, price float64, reduceOnly bool) (*hyperliquid.PlacedOrder, error) {
	if err := g.gate("place_limit"); err != nil {
		return nil, err
	}
	placed, err := g.venue.PlaceLimit(ctx, symbol, isBuy, size, price, reduceOnly)
	return placed, g.record(err)
}

func (g *VenueGuard) Cancel(ctx context.Context, symbol string, orderID int64) error {
	if err := g.gate("cancel"); err != nil {
		return err
	}
	return g.record(g.venue.Cancel(ctx, symbol, orderID))
}

func (g *VenueGuard) GetPositions(ctx context.Context) ([]hyperliquid.Position, error) {
	return g.venue.GetPositions(ctx)
}

func (g *VenueGuard) GetOpenOrders(ctx context.Context) ([]hyperliquid.OpenOrder, error) {
	return g.venue.GetOpenOrders(ctx)
}

func (g *VenueGuard) GetHistoricalOrders(ctx context.Context) ([]hyperliquid.HistOrder, error) {
	return g.venue.GetHistoricalOrders(ctx)
}

func (g *VenueGuard) GetAccountEquity(ctx context.Context) (float64, error) {
	return g.venue.GetAccountEquity(ctx)
}

func (g *VenueGuard) GetSymbolMeta(ctx context.Context, symbol string) (*hyperliquid.SymbolMeta, error) {
	return g.venue.GetSymbolMeta(ctx, symbol)
}
