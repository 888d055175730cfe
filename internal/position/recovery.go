package position

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/internal/database"
	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

// Recover rebuilds the position book after a restart. The venue decides what
// exists: every venue position becomes a book entry, with its protective
// intent reconstructed from resting orders and its metadata (strategy name,
// open time) merged in from the snapshot store when one survives. Snapshots
// for symbols no longer on the venue are stale and dropped. Returns the
// number of positions restored.
func Recover(ctx context.Context, venue hyperliquid.Venue, store *database.RedisSnapshotStore, book *Book, logger zerolog.Logger) (int, error) {
	log := logger.With().Str("component", "recovery").Logger()

	venuePositions, err := venue.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery: fetch venue positions: %w", err)
	}
	openOrders, err := venue.GetOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery: fetch open orders: %w", err)
	}

	snapshots := map[string]*database.PersistedPosition{}
	if store != nil {
		snapshots, err = store.LoadPositions(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Snapshot load failed, recovering from venue state only")
			snapshots = map[string]*database.PersistedPosition{}
		}
	}

	ordersByCoin := make(map[string][]hyperliquid.OpenOrder)
	for _, o := range openOrders {
		ordersByCoin[o.Symbol] = append(ordersByCoin[o.Symbol], o)
	}

	recovered := 0
	onVenue := make(map[string]bool, len(venuePositions))
	for _, vp := range venuePositions {
		onVenue[vp.Symbol] = true
		if vp.Size <= 0 {
			log.Warn().Str("symbol", vp.Symbol).Float64("size", vp.Size).Msg("Skipping venue position with non-positive size")
			continue
		}

		prot := hyperliquid.ClassifyProtectiveOrders(ordersByCoin[vp.Symbol], vp.Size, vp.Direction)

		pos := Position{
			Coin:        vp.Symbol,
			Direction:   strategy.Direction(vp.Direction),
			EntryPrice:  vp.EntryPrice,
			Size:        vp.Size,
			InitialSize: vp.Size,
		}
		if prot.StopLoss != nil {
			pos.StopLoss = prot.StopLoss.TriggerPrice
			pos.StopOrderID = prot.StopLoss.OrderID
		} else {
			// A live position with no resting stop is unprotected.
			pos.VenueIncomplete = true
		}
		if prot.TrailStop != nil {
			pos.TrailingStopLoss = prot.TrailStop.TriggerPrice
		}
		for _, tp := range prot.TakeProfits {
			pos.TakeProfits = append(pos.TakeProfits, strategy.TakeProfit{
				Price:         tp.Order.Price,
				PctOfPosition: tp.PctOfPosition,
			})
			pos.TPOrderIDs = append(pos.TPOrderIDs, tp.Order.OrderID)
		}

		source := "venue"
		if snap, ok := snapshots[vp.Symbol]; ok {
			if snap.Direction == vp.Direction {
				pos.Strategy = snap.Strategy
				pos.OpenedAt = snap.OpenedAt
				source = "venue+snapshot"
			} else {
				log.Warn().
					Str("symbol", vp.Symbol).
					Str("snapshot_direction", snap.Direction).
					Str("venue_direction", vp.Direction).
					Msg("Snapshot direction disagrees with venue, ignoring snapshot")
			}
		}

		if err := book.Open(pos); err != nil {
			log.Error().Err(err).Str("symbol", vp.Symbol).Msg("Failed to restore position")
			continue
		}
		book.UpdatePrice(vp.Symbol, vp.EntryPrice)
		recovered++
		log.Info().
			Str("symbol", vp.Symbol).
			Str("direction", vp.Direction).
			Float64("size", vp.Size).
			Float64("entry", vp.EntryPrice).
			Float64("stop_loss", pos.StopLoss).
			Int("take_profits", len(pos.TakeProfits)).
			Bool("venue_incomplete", pos.VenueIncomplete).
			Str("source", source).
			Msg("Position restored")

		if store != nil {
			refreshed := Persisted(pos)
			refreshed.SavedAt = time.Now().UTC()
			if err := store.SavePosition(ctx, refreshed); err != nil {
				log.Warn().Err(err).Str("symbol", vp.Symbol).Msg("Failed to refresh snapshot after recovery")
			}
		}
	}

	for symbol := range snapshots {
		if onVenue[symbol] {
			continue
		}
		log.Info().Str("symbol", symbol).Msg("Dropping stale snapshot, position no longer on venue")
		if store != nil {
			if err := store.DeletePosition(ctx, symbol); err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to drop stale snapshot")
			}
		}
	}

	log.Info().Int("recovered", recovered).Int("venue_positions", len(venuePositions)).Msg("Recovery complete")
	return recovered, nil
}
