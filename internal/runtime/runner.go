package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/config"
	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/database"
	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
	"github.com/EduKegler/breaker-sub003/internal/orders"
	"github.com/EduKegler/breaker-sub003/internal/position"
	"github.com/EduKegler/breaker-sub003/internal/risk"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

const (
	updateBuffer        = 1024
	counterQueryTimeout = 3 * time.Second
	msPerDay            = int64(24 * time.Hour / time.Millisecond)
)

type barUpdate struct {
	c      candle.Candle
	closed bool
}

// runner evaluates one strategy assignment on one symbol. Everything below
// runs on the runner goroutine except noteExit, which the event bus calls;
// the fields they share sit behind statsMu.
type runner struct {
	rt         *Runtime
	coin       string
	asg        config.StrategyAssignment
	strat      strategy.Strategy
	interval   candle.Interval
	warmup     int
	buffer     int
	wantsTicks bool
	logger     zerolog.Logger

	updates chan barUpdate

	// window holds closed bars only, oldest first. offset counts bars
	// trimmed off the front, so absolute bar n sits at window[n-offset].
	window []candle.Candle
	offset int64
	lastT  int64

	// Live trade state. entryAbs and trail belong to the runner goroutine;
	// trailPending forces a venue resync after a failed replace.
	entryAbs     int64
	trail        *risk.TrailingStop
	trailPending bool

	// Persisted counters refreshed every closed bar.
	tradesToday int
	dailyPnl    float64
	day         int64

	statsMu      sync.Mutex
	curAbs       int64
	lastExitAbs  int64
	consecLosses int
}

func newRunner(rt *Runtime, coin string, asg config.StrategyAssignment, strat strategy.Strategy, iv candle.Interval, warmup, buffer int) *runner {
	ts, ok := strat.(strategy.TickSensitive)
	return &runner{
		rt:         rt,
		coin:       coin,
		asg:        asg,
		strat:      strat,
		interval:   iv,
		warmup:     warmup,
		buffer:     buffer,
		wantsTicks: ok && ts.WantsTicks(),
		logger: rt.logger.With().
			Str("coin", coin).
			Str("strategy", asg.Name).
			Str("interval", string(iv)).
			Logger(),
		updates:     make(chan barUpdate, updateBuffer),
		entryAbs:    -1,
		curAbs:      -1,
		lastExitAbs: -1,
	}
}

// seed installs the warmed-up closed bars before streaming starts.
func (r *runner) seed(bars []candle.Candle) {
	if len(bars) > r.buffer {
		bars = bars[len(bars)-r.buffer:]
	}
	r.window = append(r.window[:0], bars...)
	if len(bars) > 0 {
		r.lastT = bars[len(bars)-1].T
	}
	r.statsMu.Lock()
	r.curAbs = r.absIndex()
	r.statsMu.Unlock()
}

// enqueue runs under the ingestor lock. Ticks are dropped unless the
// strategy asked for them; closed bars block until the runner drains, so a
// stalled runner applies backpressure instead of losing bars.
func (r *runner) enqueue(u barUpdate) {
	if !u.closed && !r.wantsTicks {
		return
	}
	r.updates <- u
}

func (r *runner) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	r.logger.Info().Int("warmup_bars", r.warmup).Int("buffer_bars", r.buffer).Msg("Runner started")
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-r.updates:
			if u.closed {
				r.onClosed(ctx, u.c)
			} else {
				r.onTick(ctx, u.c)
			}
		}
	}
}

// onClosed is the live mirror of the backtest bar loop: exits are checked
// before entries, the trailing stop observes the close, and the strategy
// sees only closed bars.
func (r *runner) onClosed(ctx context.Context, c candle.Candle) {
	if c.T <= r.lastT {
		return
	}
	r.lastT = c.T
	r.push(c)

	r.statsMu.Lock()
	r.curAbs = r.absIndex()
	r.statsMu.Unlock()

	r.rollDay(ctx, c.T)

	htf, err := r.higherTimeframes()
	if err != nil {
		r.logger.Error().Err(err).Int64("bar_t", c.T).Msg("Timeframe aggregation failed")
		return
	}

	start := time.Now()
	r.evaluate(ctx, htf, c)
	elapsed := time.Since(start)

	if r.rt.metrics != nil {
		r.rt.metrics.OnCandleDuration.Observe(elapsed.Seconds())
	}
	if budget := r.rt.cfg.OnCandleBudget(); elapsed > budget {
		if r.rt.metrics != nil {
			r.rt.metrics.DegradedBars.Inc()
		}
		r.logger.Warn().
			Dur("elapsed", elapsed).
			Dur("budget", budget).
			Int64("bar_t", c.T).
			Msg("Bar processing exceeded budget")
	}
}

// onTick forwards the in-progress bar to tick-sensitive strategies. Exits
// and the trailing stop stay on closed bars so live fills match the
// backtest.
func (r *runner) onTick(ctx context.Context, c candle.Candle) {
	if len(r.window) < r.warmup {
		return
	}
	if !r.rt.book.IsFlat(r.coin) {
		return
	}
	htf, err := r.higherTimeframes()
	if err != nil {
		return
	}
	candles := make([]candle.Candle, 0, len(r.window)+1)
	candles = append(candles, r.window...)
	candles = append(candles, c)
	sctx := &strategy.Context{
		Candles:  candles,
		Index:    len(candles) - 1,
		HTF:      htf,
		Counters: r.counters(),
	}
	sig, err := r.strat.OnCandle(sctx)
	if err != nil {
		r.logger.Debug().Err(err).Int64("bar_t", c.T).Msg("Tick evaluation failed")
		return
	}
	if sig == nil {
		return
	}
	r.emit(ctx, sig, c)
}

func (r *runner) push(c candle.Candle) {
	r.window = append(r.window, c)
	if len(r.window) > r.buffer {
		over := len(r.window) - r.buffer
		r.window = append(r.window[:0], r.window[over:]...)
		r.offset += int64(over)
	}
}

func (r *runner) absIndex() int64 {
	return r.offset + int64(len(r.window)) - 1
}

// rollDay resets the daily counters at the UTC boundary and refreshes them
// from persistence so restarts and fills from other processes are counted.
func (r *runner) rollDay(ctx context.Context, t int64) {
	day := t - t%msPerDay
	if day != r.day {
		r.day = day
		r.tradesToday = 0
		r.dailyPnl = 0
	}
	r.refreshCounters(ctx)
}

func (r *runner) refreshCounters(ctx context.Context) {
	if r.rt.repo == nil {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, counterQueryTimeout)
	defer cancel()
	midnight := time.UnixMilli(r.day).UTC()
	if n, err := r.rt.repo.CountEntryOrdersSince(qctx, r.coin, midnight); err == nil {
		r.tradesToday = n
	} else {
		r.logger.Debug().Err(err).Msg("Trade count refresh failed")
	}
	if pnl, err := r.rt.repo.RealizedPnlSince(qctx, midnight); err == nil {
		r.dailyPnl = pnl
	} else {
		r.logger.Debug().Err(err).Msg("Realized pnl refresh failed")
	}
}

func (r *runner) higherTimeframes() (map[candle.Interval][]candle.Candle, error) {
	tfs := r.strat.RequiredTimeframes()
	if len(tfs) == 0 {
		return nil, nil
	}
	htf := make(map[candle.Interval][]candle.Candle, len(tfs))
	for _, tf := range tfs {
		agg, err := candle.Aggregate(r.window, r.interval, tf)
		if err != nil {
			return nil, err
		}
		htf[tf] = agg
	}
	return htf, nil
}

func (r *runner) buildContext(htf map[candle.Interval][]candle.Candle) *strategy.Context {
	sctx := &strategy.Context{
		Candles:  r.window,
		Index:    len(r.window) - 1,
		HTF:      htf,
		Counters: r.counters(),
	}
	if pos, ok := r.rt.book.Get(r.coin); ok && pos.Strategy == r.asg.Name {
		sctx.Position = &strategy.PositionSummary{
			Direction:  pos.Direction,
			EntryPrice: pos.EntryPrice,
			EntryBar:   r.entryBar(pos),
		}
	}
	return sctx
}

func (r *runner) entryBar(pos position.Position) int {
	if r.entryAbs >= 0 {
		return int(r.entryAbs - r.offset)
	}
	// Recovered position: approximate from the open timestamp.
	barsAgo := (r.lastT - pos.OpenedAt.UnixMilli()) / r.interval.Millis()
	if barsAgo < 0 {
		barsAgo = 0
	}
	return len(r.window) - 1 - int(barsAgo)
}

func (r *runner) counters() strategy.RiskCounters {
	r.statsMu.Lock()
	lastExit := r.lastExitAbs
	losses := r.consecLosses
	r.statsMu.Unlock()

	abs := r.absIndex()
	barsSince := int(abs + 1)
	if lastExit >= 0 {
		barsSince = int(abs - lastExit)
	}
	return strategy.RiskCounters{
		DailyPnlR:         r.dailyPnlR(),
		TradesToday:       r.tradesToday,
		BarsSinceExit:     barsSince,
		ConsecutiveLosses: losses,
	}
}

// dailyPnlR converts the realized dollar pnl into R multiples. Cash sizing
// has no fixed per-trade risk, so there it stays zero and strategies fall
// back to the dollar-based limits in the risk gate.
func (r *runner) dailyPnlR() float64 {
	s := r.rt.cfg.SizingConfig
	if s.Mode != risk.SizingModeCash && s.RiskPerTradeUsd > 0 {
		return r.dailyPnl / s.RiskPerTradeUsd
	}
	return 0
}

func (r *runner) evaluate(ctx context.Context, htf map[candle.Interval][]candle.Candle, bar candle.Candle) {
	pos, havePos := r.rt.book.Get(r.coin)
	if havePos && pos.Strategy != r.asg.Name {
		// Another strategy owns this symbol's position slot.
		return
	}

	if havePos {
		sctx := r.buildContext(htf)
		if r.checkStrategyExit(ctx, sctx, pos, bar) {
			havePos = false
		} else {
			r.ratchetTrail(ctx, bar)
			return
		}
	}

	r.trail = nil
	r.trailPending = false
	r.entryAbs = -1

	if len(r.window) < r.warmup {
		return
	}

	sctx := r.buildContext(htf)
	sig, err := r.strat.OnCandle(sctx)
	if err != nil {
		r.logger.Debug().Err(err).Int64("bar_t", bar.T).Msg("Strategy evaluation failed")
		return
	}
	if sig == nil {
		return
	}
	r.emit(ctx, sig, bar)
}

func (r *runner) checkStrategyExit(ctx context.Context, sctx *strategy.Context, pos position.Position, bar candle.Candle) bool {
	checker, ok := r.strat.(strategy.ExitChecker)
	if !ok {
		return false
	}
	dec, err := checker.ShouldExit(sctx)
	if err != nil {
		r.logger.Debug().Err(err).Int64("bar_t", bar.T).Msg("Exit check failed")
		return false
	}
	if dec == nil || !dec.Exit {
		return false
	}
	return r.closePosition(ctx, pos, dec.Reason, bar.C)
}

// closePosition flattens via an aggressive market order, settles the book
// and cancels the protective orders the position leaves behind.
func (r *runner) closePosition(ctx context.Context, pos position.Position, detail string, markPrice float64) bool {
	isBuy := pos.Direction == strategy.DirectionShort
	placed, err := r.rt.venue.PlaceMarket(ctx, r.coin, isBuy, pos.Size)
	if err != nil {
		r.logger.Error().Err(err).Str("detail", detail).Msg("Strategy exit order failed")
		return false
	}
	exitPrice := placed.AvgPrice
	if exitPrice <= 0 {
		exitPrice = markPrice
	}

	closed, ok := r.rt.book.Close(r.coin)
	if !ok {
		return false
	}
	sign := 1.0
	if closed.Direction == strategy.DirectionShort {
		sign = -1
	}
	pnl := (exitPrice - closed.EntryPrice) * closed.Size * sign

	r.logger.Info().
		Str("detail", detail).
		Float64("exit_px", exitPrice).
		Float64("pnl", pnl).
		Msg("Position closed by strategy")
	r.rt.bus.PublishPositionClosed(r.coin, closed.Strategy, "strategy_exit", exitPrice, pnl)

	r.recordExitOrder(ctx, closed, placed, exitPrice, detail)
	if r.rt.store != nil {
		if err := r.rt.store.DeletePosition(ctx, r.coin); err != nil {
			r.logger.Error().Err(err).Msg("Failed to drop position snapshot")
		}
	}
	r.cancelProtective(ctx, closed)

	r.statsMu.Lock()
	r.lastExitAbs = r.curAbs
	if pnl < 0 {
		r.consecLosses++
	} else {
		r.consecLosses = 0
	}
	r.statsMu.Unlock()
	r.dailyPnl += pnl

	r.trail = nil
	r.trailPending = false
	r.entryAbs = -1
	return true
}

func (r *runner) recordExitOrder(ctx context.Context, pos position.Position, placed *hyperliquid.PlacedOrder, exitPrice float64, detail string) {
	if r.rt.repo == nil {
		return
	}
	row := &database.OrderRecord{
		VenueOrderID: placed.OrderID,
		Coin:         r.coin,
		Side:         sideWord(pos.Direction == strategy.DirectionShort),
		Size:         pos.Size,
		Price:        exitPrice,
		OrderType:    database.OrderTypeMarket,
		Tag:          database.OrderTagExit,
		Status:       database.OrderStatusPending,
		Mode:         string(r.rt.cfg.Mode),
	}
	if pos.SignalID > 0 {
		sid := pos.SignalID
		row.SignalID = &sid
	}
	if placed.Filled {
		row.Status = database.OrderStatusFilled
	}
	if err := r.rt.repo.CreateOrder(ctx, row); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist exit order")
		return
	}
	r.rt.bus.PublishOrderPlaced(r.coin, database.OrderTagExit, row.Side, placed.OrderID, exitPrice, pos.Size)
	if detail != "" {
		r.logger.Debug().Str("detail", detail).Int64("oid", placed.OrderID).Msg("Exit order recorded")
	}
}

// cancelProtective best-effort cancels the stop, trail and take-profit
// orders left on the venue after a strategy exit.
func (r *runner) cancelProtective(ctx context.Context, pos position.Position) {
	residual := make([]int64, 0, len(pos.TPOrderIDs)+2)
	if pos.StopOrderID != 0 {
		residual = append(residual, pos.StopOrderID)
	}
	if pos.TrailOrderID != 0 {
		residual = append(residual, pos.TrailOrderID)
	}
	residual = append(residual, pos.TPOrderIDs...)
	for _, oid := range residual {
		if oid == 0 {
			continue
		}
		if err := r.rt.venue.Cancel(ctx, r.coin, oid); err != nil {
			r.logger.Debug().Err(err).Int64("oid", oid).Msg("Protective order cancel failed")
		}
	}
}

// ratchetTrail moves the venue-side trailing trigger after a favorable
// close. A failed replace leaves trailPending set so the next closed bar
// retries even without further movement.
func (r *runner) ratchetTrail(ctx context.Context, bar candle.Candle) {
	if r.trail == nil || !r.trail.Enabled() {
		return
	}
	moved := r.trail.Observe(bar.C)
	if !moved && !r.trailPending {
		return
	}
	pos, ok := r.rt.book.Get(r.coin)
	if !ok {
		return
	}
	level := r.trail.Level()

	if pos.TrailOrderID != 0 {
		if err := r.rt.venue.Cancel(ctx, r.coin, pos.TrailOrderID); err != nil {
			// Likely already triggered; the fill handler will settle it.
			r.logger.Warn().Err(err).Int64("oid", pos.TrailOrderID).Msg("Stale trail cancel failed")
			r.trailPending = true
			return
		}
	}
	isBuy := pos.Direction == strategy.DirectionShort
	placed, err := r.rt.venue.PlaceStopTrigger(ctx, r.coin, isBuy, pos.Size, level, true)
	if err != nil {
		r.logger.Error().Err(err).Float64("level", level).Msg("Trail replacement failed, position unprotected")
		r.rt.book.MarkIncomplete(r.coin)
		r.trailPending = true
		return
	}
	r.rt.book.SetTrailingStop(r.coin, placed.OrderID, level)
	r.trailPending = false
	r.logger.Info().Float64("level", level).Int64("oid", placed.OrderID).Msg("Trailing stop ratcheted")
	r.saveSnapshot(ctx)
}

func (r *runner) saveSnapshot(ctx context.Context) {
	if r.rt.store == nil {
		return
	}
	pos, ok := r.rt.book.Get(r.coin)
	if !ok {
		return
	}
	if err := r.rt.store.SavePosition(ctx, position.Persisted(pos)); err != nil {
		r.logger.Error().Err(err).Msg("Failed to save position snapshot")
	}
}

// emit turns a signal into an executor alert. The alert id is derived from
// the bar timestamp, so replays and restarts de-duplicate downstream.
func (r *runner) emit(ctx context.Context, sig *strategy.Signal, bar candle.Candle) {
	alertID := orders.DeterministicAlertID(r.coin, r.asg.Name, string(sig.Direction), bar.T)
	entry := sig.Entry(bar.C)

	if !r.asg.AutoTradingEnabled {
		r.logger.Info().
			Str("alert_id", alertID).
			Str("direction", string(sig.Direction)).
			Float64("entry", entry).
			Msg("Signal suppressed, auto trading disabled")
		r.rt.bus.PublishSignalReceived(alertID, r.coin, r.asg.Name, string(sig.Direction), entry)
		return
	}

	res, err := r.rt.executor.Execute(ctx, orders.Alert{
		AlertID:      alertID,
		Source:       r.asg.Name,
		Symbol:       r.coin,
		Signal:       sig,
		CurrentPrice: bar.C,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("alert_id", alertID).Msg("Signal execution failed")
		return
	}
	if !res.Accepted {
		r.logger.Info().Str("alert_id", alertID).Str("reason", res.Reason).Msg("Signal rejected")
		return
	}

	r.entryAbs = r.absIndex()
	r.tradesToday++
	if sig.TrailingStopDistance > 0 {
		anchor := res.EntryPrice
		if anchor <= 0 {
			anchor = entry
		}
		r.trail = risk.NewTrailingStop(sig.Direction, anchor, sig.TrailingStopDistance)
		r.trailPending = false
	}
	r.logger.Info().
		Str("alert_id", alertID).
		Float64("entry", res.EntryPrice).
		Float64("size", res.Size).
		Msg("Signal executed")
}

// noteExit records a venue-driven close reported over the event bus.
func (r *runner) noteExit(pnl float64) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.lastExitAbs = r.curAbs
	if pnl < 0 {
		r.consecLosses++
	} else {
		r.consecLosses = 0
	}
}

func sideWord(isBuy bool) string {
	if isBuy {
		return "buy"
	}
	return "sell"
}
