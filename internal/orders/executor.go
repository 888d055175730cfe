package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/internal/database"
	"github.com/EduKegler/breaker-sub003/internal/events"
	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
	"github.com/EduKegler/breaker-sub003/internal/position"
	"github.com/EduKegler/breaker-sub003/internal/risk"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

// Alert is one executable signal occurrence, whether produced by a strategy
// runner or received on the webhook.
type Alert struct {
	AlertID      string
	Source       string
	Symbol       string
	Signal       *strategy.Signal
	CurrentPrice float64
}

// Result reports what the executor did with an alert.
type Result struct {
	Accepted        bool
	Duplicate       bool
	Reason          string
	SignalID        int64
	NotionalUsd     float64
	EntryOrderID    int64
	EntryPrice      float64
	Size            float64
	VenueIncomplete bool
}

// SymbolSettings carries the per-symbol venue parameters.
type SymbolSettings struct {
	Leverage    int
	CrossMargin bool
}

// Config holds the executor's sizing, limits and per-symbol settings.
type Config struct {
	Mode    string
	Sizing  risk.Sizing
	Limits  risk.Limits
	Symbols map[string]SymbolSettings
}

// TradeGate is consulted before a new entry reaches the venue. The circuit
// breaker implements it; a nil gate allows everything.
type TradeGate interface {
	Allow() (bool, string)
}

// signalStore is the slice of the repository the executor writes through.
type signalStore interface {
	CreateSignal(ctx context.Context, s *database.SignalRecord) error
	GetSignalByAlertID(ctx context.Context, alertID string) (*database.SignalRecord, error)
	SetSignalRiskResult(ctx context.Context, id int64, passed bool, reason string) error
	CreateOrder(ctx context.Context, o *database.OrderRecord) error
	MarkOrderStatus(ctx context.Context, id int64, status string, filledAt *time.Time) error
	CountAllEntryOrdersSince(ctx context.Context, since time.Time) (int, error)
	RealizedPnlSince(ctx context.Context, since time.Time) (float64, error)
}

// Executor turns signals into venue orders. Every alert passes through
// dedup, persistence, sizing and the risk gate before anything reaches the
// venue. Entries are market orders; the protective set (reduce-only stop
// trigger, take-profit limits, optional trailing trigger) is placed after
// the fill and never rolled back: a failed protective order leaves the
// position flagged venue-incomplete instead of closing it behind the
// strategy's back.
type Executor struct {
	venue  hyperliquid.Venue
	book   *position.Book
	repo   signalStore
	store  *database.RedisSnapshotStore
	bus    *events.Bus
	logger zerolog.Logger
	cfg    Config
	gate   TradeGate

	mu          sync.Mutex
	leverageSet map[string]bool
	metaCache   map[string]*hyperliquid.SymbolMeta
}

func NewExecutor(venue hyperliquid.Venue, book *position.Book, repo signalStore, store *database.RedisSnapshotStore, bus *events.Bus, cfg Config, logger zerolog.Logger) *Executor {
	return &Executor{
		venue:       venue,
		book:        book,
		repo:        repo,
		store:       store,
		bus:         bus,
		logger:      logger.With().Str("component", "executor").Logger(),
		cfg:         cfg,
		leverageSet: make(map[string]bool),
		metaCache:   make(map[string]*hyperliquid.SymbolMeta),
	}
}

// SetGate installs the pre-entry trade gate.
func (e *Executor) SetGate(gate TradeGate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = gate
}

// Execute runs one alert end to end. Executions are serialized so two
// signals cannot race each other into the same symbol. A duplicate alert id
// is acknowledged with the prior outcome and never re-executed.
func (e *Executor) Execute(ctx context.Context, alert Alert) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if alert.AlertID == "" || alert.Signal == nil {
		return nil, fmt.Errorf("executor: alert missing id or signal")
	}

	prior, err := e.repo.GetSignalByAlertID(ctx, alert.AlertID)
	if err != nil {
		return nil, fmt.Errorf("executor: dedup lookup: %w", err)
	}
	if prior != nil {
		e.logger.Info().
			Str("alert_id", alert.AlertID).
			Str("symbol", alert.Symbol).
			Bool("prior_passed", prior.RiskCheckPassed).
			Msg("Duplicate alert acknowledged, not re-executed")
		return &Result{
			Accepted:  prior.RiskCheckPassed,
			Duplicate: true,
			Reason:    "Duplicate alert_id",
			SignalID:  prior.ID,
		}, nil
	}

	sig := alert.Signal
	entryTarget := sig.Entry(alert.CurrentPrice)
	e.bus.PublishSignalReceived(alert.AlertID, alert.Symbol, alert.Source, string(sig.Direction), entryTarget)
	e.logger.Info().
		Str("alert_id", alert.AlertID).
		Str("symbol", alert.Symbol).
		Str("source", alert.Source).
		Str("direction", string(sig.Direction)).
		Float64("entry", entryTarget).
		Float64("stop_loss", sig.StopLoss).
		Msg("Signal received")

	rec := &database.SignalRecord{
		AlertID:     alert.AlertID,
		Source:      alert.Source,
		Asset:       alert.Symbol,
		Side:        string(sig.Direction),
		EntryPrice:  entryTarget,
		StopLoss:    sig.StopLoss,
		TakeProfits: toLevels(sig.TakeProfits),
	}
	if err := e.repo.CreateSignal(ctx, rec); err != nil {
		return nil, fmt.Errorf("executor: persist signal: %w", err)
	}

	result := &Result{SignalID: rec.ID}
	reject := func(reason string) (*Result, error) {
		result.Reason = reason
		if err := e.repo.SetSignalRiskResult(ctx, rec.ID, false, reason); err != nil {
			e.logger.Error().Err(err).Int64("signal_id", rec.ID).Msg("Failed to record risk result")
		}
		e.bus.PublishRiskCheckFailed(alert.AlertID, alert.Symbol, reason)
		e.logger.Warn().
			Str("alert_id", alert.AlertID).
			Str("symbol", alert.Symbol).
			Str("reason", reason).
			Msg("Signal rejected")
		return result, nil
	}

	settings, ok := e.cfg.Symbols[alert.Symbol]
	if !ok {
		return reject(fmt.Sprintf("Symbol %s is not configured for trading", alert.Symbol))
	}

	intent, err := risk.Translate(sig, alert.CurrentPrice, alert.Symbol, e.cfg.Sizing)
	if err != nil {
		return reject(fmt.Sprintf("Invalid signal: %v", err))
	}

	meta, err := e.symbolMeta(ctx, alert.Symbol)
	if err != nil {
		return nil, fmt.Errorf("executor: symbol meta for %s: %w", alert.Symbol, err)
	}
	intent.Size = hyperliquid.TruncateSize(intent.Size, meta.SzDecimals)
	if intent.Size <= 0 {
		return reject("Size rounds to zero at venue precision")
	}
	intent.NotionalUsd = intent.Size * intent.EntryPrice

	if !e.book.IsFlat(alert.Symbol) {
		return reject(fmt.Sprintf("Position already open for %s", alert.Symbol))
	}

	if e.gate != nil {
		if ok, reason := e.gate.Allow(); !ok {
			return reject(fmt.Sprintf("Trading halted: %s", reason))
		}
	}

	state := e.accountState(ctx, settings, alert.CurrentPrice)
	if passed, reason := risk.Evaluate(intent, state, e.cfg.Limits); !passed {
		return reject(reason)
	}
	if err := e.repo.SetSignalRiskResult(ctx, rec.ID, true, ""); err != nil {
		e.logger.Error().Err(err).Int64("signal_id", rec.ID).Msg("Failed to record risk result")
	}
	e.bus.PublishRiskCheckPassed(alert.AlertID, alert.Symbol, intent.NotionalUsd)

	e.ensureLeverage(ctx, alert.Symbol, settings)

	isBuy := intent.Direction == strategy.DirectionLong
	placed, err := e.venue.PlaceMarket(ctx, alert.Symbol, isBuy, intent.Size)
	if err != nil {
		e.recordOrder(ctx, &database.OrderRecord{
			SignalID:  &rec.ID,
			Coin:      alert.Symbol,
			Side:      intent.Side,
			Size:      intent.Size,
			Price:     intent.EntryPrice,
			OrderType: "market",
			Tag:       database.OrderTagEntry,
			Status:    database.OrderStatusRejected,
			Mode:      e.cfg.Mode,
		}, nil)
		result.Reason = fmt.Sprintf("Entry placement failed: %v", err)
		return result, fmt.Errorf("executor: place entry for %s: %w", alert.Symbol, err)
	}

	fillPrice := placed.AvgPrice
	if fillPrice <= 0 {
		// Dry-run fills report no price; fall back to the intent's entry.
		fillPrice = intent.EntryPrice
	}
	fillSize := placed.TotalSz
	if fillSize <= 0 {
		fillSize = intent.Size
	}

	now := time.Now().UTC()
	entryRow := &database.OrderRecord{
		SignalID:     &rec.ID,
		VenueOrderID: placed.OrderID,
		Coin:         alert.Symbol,
		Side:         intent.Side,
		Size:         fillSize,
		Price:        fillPrice,
		OrderType:    "market",
		Tag:          database.OrderTagEntry,
		Status:       database.OrderStatusPending,
		Mode:         e.cfg.Mode,
	}
	if placed.Filled {
		entryRow.Status = database.OrderStatusFilled
		e.recordOrder(ctx, entryRow, &now)
	} else {
		e.recordOrder(ctx, entryRow, nil)
	}
	e.bus.PublishOrderPlaced(alert.Symbol, database.OrderTagEntry, intent.Side, placed.OrderID, fillPrice, fillSize)

	result.EntryOrderID = placed.OrderID
	result.EntryPrice = fillPrice
	result.Size = fillSize
	result.NotionalUsd = intent.NotionalUsd

	if !placed.Filled {
		// A market entry should fill immediately; a resting one is left to
		// the reconciler rather than guessed at.
		e.logger.Warn().
			Str("symbol", alert.Symbol).
			Int64("venue_order_id", placed.OrderID).
			Msg("Entry order did not fill immediately")
		result.Accepted = true
		result.Reason = "Entry order resting, awaiting fill"
		return result, nil
	}

	pos := position.Position{
		Coin:         alert.Symbol,
		Direction:    intent.Direction,
		Strategy:     alert.Source,
		EntryPrice:   fillPrice,
		Size:         fillSize,
		StopLoss:     intent.StopLoss,
		TakeProfits:  sig.TakeProfits,
		OpenedAt:     now,
		SignalID:     rec.ID,
		EntryOrderID: placed.OrderID,
	}
	if err := e.book.Open(pos); err != nil {
		result.Reason = fmt.Sprintf("Filled entry could not be tracked: %v", err)
		return result, fmt.Errorf("executor: track position for %s: %w", alert.Symbol, err)
	}
	e.bus.PublishPositionOpened(alert.Symbol, alert.Source, string(intent.Direction), fillPrice, fillSize, intent.StopLoss)
	e.logger.Info().
		Str("symbol", alert.Symbol).
		Str("direction", string(intent.Direction)).
		Float64("entry", fillPrice).
		Float64("size", fillSize).
		Float64("notional_usd", intent.NotionalUsd).
		Msg("Position opened")

	result.VenueIncomplete = e.placeProtection(ctx, rec.ID, intent, sig, fillSize, fillPrice, meta)
	result.Accepted = true

	e.saveSnapshot(ctx, alert.Symbol)
	return result, nil
}

// placeProtection places the reduce-only protective set for a filled entry:
// the stop trigger, the take-profit ladder and the optional trailing
// trigger. Failures are recorded and flagged, never rolled back.
func (e *Executor) placeProtection(ctx context.Context, signalID int64, intent *risk.Intent, sig *strategy.Signal, fillSize, fillPrice float64, meta *hyperliquid.SymbolMeta) bool {
	symbol := intent.Coin
	exitIsBuy := intent.Direction == strategy.DirectionShort
	exitSide := sideOf(exitIsBuy)
	incomplete := false

	stopID := int64(0)
	stop, err := e.venue.PlaceStopTrigger(ctx, symbol, exitIsBuy, fillSize, intent.StopLoss, true)
	if err != nil {
		incomplete = true
		e.logger.Error().Err(err).
			Str("symbol", symbol).
			Float64("trigger", intent.StopLoss).
			Msg("Stop-loss placement failed, position is unprotected")
		e.book.SetStopLoss(symbol, 0, true)
		e.recordOrder(ctx, &database.OrderRecord{
			SignalID: &signalID, Coin: symbol, Side: exitSide, Size: fillSize,
			Price: intent.StopLoss, OrderType: "trigger", Tag: database.OrderTagStopLoss,
			Status: database.OrderStatusRejected, Mode: e.cfg.Mode,
		}, nil)
	} else {
		stopID = stop.OrderID
		e.recordOrder(ctx, &database.OrderRecord{
			SignalID: &signalID, VenueOrderID: stop.OrderID, Coin: symbol, Side: exitSide,
			Size: fillSize, Price: intent.StopLoss, OrderType: "trigger",
			Tag: database.OrderTagStopLoss, Status: database.OrderStatusPending, Mode: e.cfg.Mode,
		}, nil)
		e.bus.PublishOrderPlaced(symbol, database.OrderTagStopLoss, exitSide, stop.OrderID, intent.StopLoss, fillSize)
	}

	var tpIDs []int64
	for i, tp := range sig.TakeProfits {
		tag := database.TakeProfitTag(i + 1)
		tpSize := hyperliquid.TruncateSize(fillSize*tp.PctOfPosition, meta.SzDecimals)
		if tpSize <= 0 {
			e.logger.Warn().Str("symbol", symbol).Str("tag", tag).Msg("Take-profit size rounds to zero, skipping rung")
			continue
		}
		tpOrd, err := e.venue.PlaceLimit(ctx, symbol, exitIsBuy, tpSize, tp.Price, true)
		if err != nil {
			incomplete = true
			e.logger.Error().Err(err).
				Str("symbol", symbol).
				Str("tag", tag).
				Float64("price", tp.Price).
				Msg("Take-profit placement failed")
			e.recordOrder(ctx, &database.OrderRecord{
				SignalID: &signalID, Coin: symbol, Side: exitSide, Size: tpSize,
				Price: tp.Price, OrderType: "limit", Tag: tag,
				Status: database.OrderStatusRejected, Mode: e.cfg.Mode,
			}, nil)
			continue
		}
		tpIDs = append(tpIDs, tpOrd.OrderID)
		e.recordOrder(ctx, &database.OrderRecord{
			SignalID: &signalID, VenueOrderID: tpOrd.OrderID, Coin: symbol, Side: exitSide,
			Size: tpSize, Price: tp.Price, OrderType: "limit", Tag: tag,
			Status: database.OrderStatusPending, Mode: e.cfg.Mode,
		}, nil)
		e.bus.PublishOrderPlaced(symbol, tag, exitSide, tpOrd.OrderID, tp.Price, tpSize)
	}

	if sig.TrailingStopDistance > 0 {
		level := fillPrice - sig.TrailingStopDistance
		if intent.Direction == strategy.DirectionShort {
			level = fillPrice + sig.TrailingStopDistance
		}
		trail, err := e.venue.PlaceStopTrigger(ctx, symbol, exitIsBuy, fillSize, level, true)
		if err != nil {
			incomplete = true
			e.logger.Error().Err(err).
				Str("symbol", symbol).
				Float64("trigger", level).
				Msg("Trailing stop placement failed")
			e.recordOrder(ctx, &database.OrderRecord{
				SignalID: &signalID, Coin: symbol, Side: exitSide, Size: fillSize,
				Price: level, OrderType: "trigger", Tag: database.OrderTagTrail,
				Status: database.OrderStatusRejected, Mode: e.cfg.Mode,
			}, nil)
		} else {
			e.book.SetTrailingStop(symbol, trail.OrderID, level)
			e.recordOrder(ctx, &database.OrderRecord{
				SignalID: &signalID, VenueOrderID: trail.OrderID, Coin: symbol, Side: exitSide,
				Size: fillSize, Price: level, OrderType: "trigger", Tag: database.OrderTagTrail,
				Status: database.OrderStatusPending, Mode: e.cfg.Mode,
			}, nil)
			e.bus.PublishOrderPlaced(symbol, database.OrderTagTrail, exitSide, trail.OrderID, level, fillSize)
		}
	}

	e.book.SetProtectiveOrderIDs(symbol, stopID, tpIDs)
	if incomplete {
		e.book.MarkIncomplete(symbol)
	}
	return incomplete
}

// accountState assembles what the risk gate needs to know about the account
// right now. Counter lookups degrade to zero on error; the gate's absolute
// caps still apply.
func (e *Executor) accountState(ctx context.Context, settings SymbolSettings, currentPrice float64) risk.AccountState {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	trades, err := e.repo.CountAllEntryOrdersSince(ctx, midnight)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to count today's entries")
	}
	realized, err := e.repo.RealizedPnlSince(ctx, midnight)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to load today's realized pnl")
	}
	loss := 0.0
	if realized < 0 {
		loss = -realized
	}
	return risk.AccountState{
		Leverage:      settings.Leverage,
		OpenPositions: e.book.Count(),
		DailyLossUsd:  loss,
		TradesToday:   trades,
		CurrentPrice:  currentPrice,
	}
}

func (e *Executor) ensureLeverage(ctx context.Context, symbol string, settings SymbolSettings) {
	if settings.Leverage <= 0 || e.leverageSet[symbol] {
		return
	}
	if err := e.venue.SetLeverage(ctx, symbol, settings.Leverage, settings.CrossMargin); err != nil {
		e.logger.Warn().Err(err).
			Str("symbol", symbol).
			Int("leverage", settings.Leverage).
			Msg("Failed to set leverage")
		return
	}
	e.leverageSet[symbol] = true
	e.logger.Info().Str("symbol", symbol).Int("leverage", settings.Leverage).Msg("Leverage set")
}

func (e *Executor) symbolMeta(ctx context.Context, symbol string) (*hyperliquid.SymbolMeta, error) {
	if m, ok := e.metaCache[symbol]; ok {
		return m, nil
	}
	m, err := e.venue.GetSymbolMeta(ctx, symbol)
	if err != nil {
		return nil, err
	}
	e.metaCache[symbol] = m
	return m, nil
}

func (e *Executor) recordOrder(ctx context.Context, row *database.OrderRecord, filledAt *time.Time) {
	if err := e.repo.CreateOrder(ctx, row); err != nil {
		e.logger.Error().Err(err).Str("coin", row.Coin).Str("tag", row.Tag).Msg("Failed to persist order")
		return
	}
	if filledAt != nil {
		if err := e.repo.MarkOrderStatus(ctx, row.ID, database.OrderStatusFilled, filledAt); err != nil {
			e.logger.Error().Err(err).Int64("order_id", row.ID).Msg("Failed to stamp fill time")
		}
	}
}

func (e *Executor) saveSnapshot(ctx context.Context, symbol string) {
	if e.store == nil {
		return
	}
	pos, ok := e.book.Get(symbol)
	if !ok {
		return
	}
	if err := e.store.SavePosition(ctx, position.Persisted(pos)); err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to save position snapshot")
	}
}

func sideOf(isBuy bool) string {
	if isBuy {
		return "buy"
	}
	return "sell"
}

func toLevels(tps []strategy.TakeProfit) []database.TakeProfitLevel {
	out := make([]database.TakeProfitLevel, 0, len(tps))
	for _, tp := range tps {
		out = append(out, database.TakeProfitLevel{Price: tp.Price, Pct: tp.PctOfPosition})
	}
	return out
}
