package position

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/internal/database"
	"github.com/EduKegler/breaker-sub003/internal/events"
	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
	"github.com/EduKegler/breaker-sub003/internal/numeric"
)

const (
	// sizeDriftTolerance is the relative size mismatch treated as drift.
	sizeDriftTolerance = 0.01

	// fullCloseEpsilon marks a reduced position as fully closed when the
	// remainder falls below this fraction of the initial size.
	fullCloseEpsilon = 1e-9

	// maxSeenFills bounds the fill dedup set between resets.
	maxSeenFills = 16384

	callTimeout = 10 * time.Second
)

// Drift kinds attached to reconcile_drift events.
const (
	DriftMissingOnVenue    = "missing_on_venue"
	DriftUntrackedOnVenue  = "untracked_on_venue"
	DriftSizeMismatch      = "size_mismatch"
	DriftDirectionMismatch = "direction_mismatch"
)

// orderStore is the slice of the repository the reconciler writes through.
type orderStore interface {
	GetPendingOrders(ctx context.Context) ([]*database.OrderRecord, error)
	GetOrderByVenueID(ctx context.Context, venueOrderID int64) (*database.OrderRecord, error)
	MarkOrderStatus(ctx context.Context, id int64, status string, filledAt *time.Time) error
	MarkOrderStatusByVenueID(ctx context.Context, venueOrderID int64, status string, filledAt *time.Time) error
	CreateFill(ctx context.Context, f *database.FillRecord) error
}

// Reconciler keeps the local book, the database and the venue in agreement.
// It runs a periodic pass comparing local positions against venue positions
// and resolving stale pending orders, and it consumes the order-update and
// fill streams to settle protective orders the moment they execute. Drift is
// reported, never auto-healed: the venue stays the source of truth for what
// exists, the operator decides what to do about disagreements.
type Reconciler struct {
	book     *Book
	venue    hyperliquid.Venue
	repo     orderStore
	store    *database.RedisSnapshotStore
	bus      *events.Bus
	logger   zerolog.Logger
	interval time.Duration

	passMu sync.Mutex

	fillMu    sync.Mutex
	seenFills map[int64]struct{}

	kick chan struct{}
}

func NewReconciler(book *Book, venue hyperliquid.Venue, repo orderStore, store *database.RedisSnapshotStore, bus *events.Bus, interval time.Duration, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		book:      book,
		venue:     venue,
		repo:      repo,
		store:     store,
		bus:       bus,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		interval:  interval,
		seenFills: make(map[int64]struct{}),
		kick:      make(chan struct{}, 1),
	}
}

// Run executes reconcile passes on the configured interval until ctx is
// cancelled. TriggerNow schedules an extra pass without waiting.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info().Dur("interval", r.interval).Msg("Reconciler started")

	if err := r.ReconcileOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Initial reconcile pass failed")
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reconciler stopped")
			return
		case <-ticker.C:
		case <-r.kick:
		}
		if err := r.ReconcileOnce(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Reconcile pass failed")
		}
	}
}

// TriggerNow requests an immediate pass. Non-blocking; a pass already
// queued absorbs the request.
func (r *Reconciler) TriggerNow() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// ReconcileOnce runs a single pass: fetch venue state, compare against the
// local book, and resolve pending orders against venue order history.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	venuePositions, err := r.venue.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch venue positions: %w", err)
	}

	var pending []*database.OrderRecord
	if r.repo != nil {
		pending, err = r.repo.GetPendingOrders(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to load pending orders")
			pending = nil
		}
	}

	var hist []hyperliquid.HistOrder
	histOK := false
	if len(pending) > 0 {
		hist, err = r.venue.GetHistoricalOrders(ctx)
		if err != nil {
			// Without history an absent order is indistinguishable from a
			// too-recent one; leave pending rows untouched this pass.
			r.logger.Error().Err(err).Msg("Failed to load venue order history")
		} else {
			histOK = true
		}
	}

	venueBySymbol := make(map[string]hyperliquid.Position, len(venuePositions))
	for _, vp := range venuePositions {
		venueBySymbol[vp.Symbol] = vp
	}

	drift := 0
	checked := 0
	local := make(map[string]bool)

	for _, lp := range r.book.GetAll() {
		checked++
		local[lp.Coin] = true
		vp, ok := venueBySymbol[lp.Coin]
		if !ok {
			drift++
			r.reportDrift(lp.Coin, DriftMissingOnVenue, "local position exists but not on venue")
			continue
		}
		if string(lp.Direction) != vp.Direction {
			drift++
			r.reportDrift(lp.Coin, DriftDirectionMismatch,
				fmt.Sprintf("direction differs: local %s, venue %s", lp.Direction, vp.Direction))
			continue
		}
		if math.Abs(lp.Size-vp.Size) > lp.Size*sizeDriftTolerance {
			drift++
			r.reportDrift(lp.Coin, DriftSizeMismatch,
				fmt.Sprintf("position size differs: local %.8f, venue %.8f", lp.Size, vp.Size))
		}
	}

	for _, vp := range venuePositions {
		if local[vp.Symbol] {
			continue
		}
		checked++
		drift++
		r.reportDrift(vp.Symbol, DriftUntrackedOnVenue, "venue position exists but not tracked locally")
	}

	resolved := 0
	if histOK {
		resolved = r.resolvePending(ctx, pending, hist)
	}

	if drift == 0 {
		r.bus.PublishReconcileOK("all", checked)
	}
	r.logger.Debug().
		Int("positions_checked", checked).
		Int("drift", drift).
		Int("pending", len(pending)).
		Int("resolved", resolved).
		Msg("Reconcile pass complete")
	return nil
}

func (r *Reconciler) reportDrift(symbol, kind, detail string) {
	r.logger.Warn().Str("symbol", symbol).Str("kind", kind).Msg(detail)
	r.bus.PublishReconcileDrift(symbol, kind, detail)
}

// resolvePending settles pending order rows against venue order history. An
// order absent from history is cancelled only when no local position remains
// for its coin; with a position open the order may simply be too recent to
// appear, so it stays pending until a later pass.
func (r *Reconciler) resolvePending(ctx context.Context, pending []*database.OrderRecord, hist []hyperliquid.HistOrder) int {
	histByOid := make(map[int64]hyperliquid.HistOrder, len(hist))
	for _, h := range hist {
		histByOid[h.OrderID] = h
	}

	resolved := 0
	for _, ord := range pending {
		if ord.VenueOrderID == 0 {
			continue
		}
		status := ""
		var venueTime int64
		if h, ok := histByOid[ord.VenueOrderID]; ok {
			status = h.Status
			venueTime = h.Timestamp
		}
		mapped, apply := hyperliquid.MapOrderStatus(status, !r.book.IsFlat(ord.Coin))
		if !apply {
			continue
		}
		var filledAt *time.Time
		if mapped == database.OrderStatusFilled {
			t := time.Now().UTC()
			if venueTime > 0 {
				t = time.UnixMilli(venueTime).UTC()
			}
			filledAt = &t
		}
		if err := r.repo.MarkOrderStatus(ctx, ord.ID, mapped, filledAt); err != nil {
			r.logger.Error().Err(err).Int64("order_id", ord.ID).Msg("Failed to update order status")
			continue
		}
		resolved++
		r.logger.Info().
			Int64("order_id", ord.ID).
			Int64("venue_order_id", ord.VenueOrderID).
			Str("coin", ord.Coin).
			Str("tag", ord.Tag).
			Str("status", mapped).
			Msg("Pending order resolved")
	}
	return resolved
}

// HandleOrderUpdates consumes an orderUpdates batch from the venue stream
// and advances matching order rows to their terminal status.
func (r *Reconciler) HandleOrderUpdates(updates []hyperliquid.WsOrderUpdate) {
	for _, u := range updates {
		mapped, apply := hyperliquid.MapOrderStatus(u.Status, !r.book.IsFlat(u.Order.Coin))
		if !apply {
			continue
		}
		var filledAt *time.Time
		if mapped == database.OrderStatusFilled {
			t := time.Now().UTC()
			if u.StatusTimestamp > 0 {
				t = time.UnixMilli(u.StatusTimestamp).UTC()
			}
			filledAt = &t
		}
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		err := r.repo.MarkOrderStatusByVenueID(ctx, u.Order.Oid, mapped, filledAt)
		cancel()
		if err != nil {
			r.logger.Error().Err(err).Int64("venue_order_id", u.Order.Oid).Msg("Failed to apply order update")
			continue
		}
		r.logger.Info().
			Int64("venue_order_id", u.Order.Oid).
			Str("coin", u.Order.Coin).
			Str("venue_status", u.Status).
			Str("status", mapped).
			Msg("Order update applied")
	}
}

// HandleFills consumes a userFills batch. The initial snapshot replays
// history from before this process started and is skipped; live batches are
// validated as a unit, deduplicated per fill, recorded, and routed by the
// tag of the order they executed.
func (r *Reconciler) HandleFills(wf hyperliquid.WsUserFills) {
	if wf.IsSnapshot {
		r.logger.Debug().Int("fills", len(wf.Fills)).Msg("Skipping historical fill snapshot")
		return
	}
	for _, f := range wf.Fills {
		if !numeric.IsFinite(f.Px) || !numeric.IsFinite(f.Sz) || !numeric.IsFinite(f.Fee) || !numeric.IsFinite(f.ClosedPnl) {
			r.logger.Error().
				Str("coin", f.Coin).
				Int64("tid", f.Tid).
				Msg("Non-finite value in fill batch, dropping entire batch")
			return
		}
	}
	for _, f := range wf.Fills {
		r.applyFill(f)
	}
}

func (r *Reconciler) applyFill(f hyperliquid.WsFill) {
	r.fillMu.Lock()
	if _, dup := r.seenFills[f.Tid]; dup {
		r.fillMu.Unlock()
		r.logger.Debug().Int64("tid", f.Tid).Msg("Duplicate fill ignored")
		return
	}
	if len(r.seenFills) >= maxSeenFills {
		r.seenFills = make(map[int64]struct{})
	}
	r.seenFills[f.Tid] = struct{}{}
	r.fillMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	ord, err := r.repo.GetOrderByVenueID(ctx, f.Oid)
	if err != nil {
		r.logger.Error().Err(err).Int64("oid", f.Oid).Msg("Failed to look up order for fill")
		return
	}
	if ord == nil {
		// Manual trade or an order placed by another process.
		r.logger.Warn().
			Str("coin", f.Coin).
			Int64("oid", f.Oid).
			Float64("px", f.Px).
			Float64("sz", f.Sz).
			Msg("Fill for unknown order")
		return
	}

	fillTime := time.UnixMilli(f.Time).UTC()
	rec := &database.FillRecord{
		OrderID:   ord.ID,
		Price:     f.Px,
		Size:      f.Sz,
		Fee:       f.Fee,
		Timestamp: fillTime,
	}
	if err := r.repo.CreateFill(ctx, rec); err != nil {
		r.logger.Error().Err(err).Int64("order_id", ord.ID).Msg("Failed to record fill")
	}

	switch {
	case ord.Tag == database.OrderTagEntry:
		r.logger.Info().
			Str("coin", ord.Coin).
			Float64("px", f.Px).
			Float64("sz", f.Sz).
			Msg("Entry fill confirmed")
	case ord.Tag == database.OrderTagStopLoss:
		r.closeFromFill(ctx, ord, f, "stop_loss")
	case ord.Tag == database.OrderTagTrail:
		r.closeFromFill(ctx, ord, f, "trailing_stop")
	case ord.Tag == database.OrderTagExit:
		// The strategy runtime already settled the book when it placed
		// this order; the fill only confirms it.
		r.logger.Info().
			Str("coin", ord.Coin).
			Float64("px", f.Px).
			Float64("sz", f.Sz).
			Msg("Strategy exit fill confirmed")
	case strings.HasPrefix(ord.Tag, "tp"):
		r.reduceFromFill(ctx, ord, f)
	default:
		r.logger.Warn().Str("tag", ord.Tag).Int64("order_id", ord.ID).Msg("Fill for order with unknown tag")
	}
}

func (r *Reconciler) closeFromFill(ctx context.Context, ord *database.OrderRecord, f hyperliquid.WsFill, reason string) {
	pos, ok := r.book.Close(ord.Coin)
	if !ok {
		r.logger.Warn().Str("coin", ord.Coin).Str("tag", ord.Tag).Msg("Protective fill for untracked position")
		return
	}
	r.logger.Info().
		Str("coin", ord.Coin).
		Str("reason", reason).
		Float64("exit_px", f.Px).
		Float64("closed_pnl", f.ClosedPnl).
		Msg("Position closed by venue")
	r.bus.PublishPositionClosed(ord.Coin, pos.Strategy, reason, f.Px, f.ClosedPnl)
	if r.store != nil {
		if err := r.store.DeletePosition(ctx, ord.Coin); err != nil {
			r.logger.Error().Err(err).Str("coin", ord.Coin).Msg("Failed to drop position snapshot")
		}
	}
	r.cancelResidualOrders(ctx, pos, f.Oid)
}

func (r *Reconciler) reduceFromFill(ctx context.Context, ord *database.OrderRecord, f hyperliquid.WsFill) {
	remaining, ok := r.book.Reduce(ord.Coin, f.Sz)
	if !ok {
		r.logger.Warn().Str("coin", ord.Coin).Str("tag", ord.Tag).Msg("Take-profit fill for untracked position")
		return
	}

	pos, ok := r.book.Get(ord.Coin)
	if !ok {
		return
	}
	if remaining <= pos.InitialSize*fullCloseEpsilon {
		closed, ok := r.book.Close(ord.Coin)
		if !ok {
			return
		}
		r.logger.Info().
			Str("coin", ord.Coin).
			Float64("exit_px", f.Px).
			Float64("closed_pnl", f.ClosedPnl).
			Msg("Position fully closed by take-profit ladder")
		r.bus.PublishPositionClosed(ord.Coin, closed.Strategy, "take_profit", f.Px, f.ClosedPnl)
		if r.store != nil {
			if err := r.store.DeletePosition(ctx, ord.Coin); err != nil {
				r.logger.Error().Err(err).Str("coin", ord.Coin).Msg("Failed to drop position snapshot")
			}
		}
		r.cancelResidualOrders(ctx, closed, f.Oid)
		return
	}

	r.logger.Info().
		Str("coin", ord.Coin).
		Str("tag", ord.Tag).
		Float64("filled_sz", f.Sz).
		Float64("remaining_sz", remaining).
		Msg("Partial take-profit filled")
	if r.store != nil {
		if err := r.store.SavePosition(ctx, Persisted(pos)); err != nil {
			r.logger.Error().Err(err).Str("coin", ord.Coin).Msg("Failed to refresh position snapshot")
		}
	}
}

// cancelResidualOrders best-effort cancels the protective orders that
// outlived the position. The venue normally cancels reduce-only orders on a
// flat book itself, so failures here are routine.
func (r *Reconciler) cancelResidualOrders(ctx context.Context, pos Position, filledOid int64) {
	residual := make([]int64, 0, len(pos.TPOrderIDs)+2)
	if pos.StopOrderID != 0 {
		residual = append(residual, pos.StopOrderID)
	}
	if pos.TrailOrderID != 0 {
		residual = append(residual, pos.TrailOrderID)
	}
	residual = append(residual, pos.TPOrderIDs...)
	for _, oid := range residual {
		if oid == 0 || oid == filledOid {
			continue
		}
		if err := r.venue.Cancel(ctx, pos.Coin, oid); err != nil {
			r.logger.Debug().Err(err).Int64("oid", oid).Str("coin", pos.Coin).Msg("Residual order cancel failed")
		}
	}
}

// Persisted converts a book position into its snapshot shape.
func Persisted(p Position) *database.PersistedPosition {
	tps := make([]database.TakeProfitLevel, 0, len(p.TakeProfits))
	for _, tp := range p.TakeProfits {
		tps = append(tps, database.TakeProfitLevel{Price: tp.Price, Pct: tp.PctOfPosition})
	}
	return &database.PersistedPosition{
		Symbol:          p.Coin,
		Direction:       string(p.Direction),
		Strategy:        p.Strategy,
		EntryPrice:      p.EntryPrice,
		Size:            p.Size,
		StopLoss:        p.StopLoss,
		TakeProfits:     tps,
		VenueIncomplete: p.VenueIncomplete,
		OpenedAt:        p.OpenedAt,
	}
}
