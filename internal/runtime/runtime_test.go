package runtime

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/config"
	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/database"
	"github.com/EduKegler/breaker-sub003/internal/events"
	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
	"github.com/EduKegler/breaker-sub003/internal/ingest"
	"github.com/EduKegler/breaker-sub003/internal/orders"
	"github.com/EduKegler/breaker-sub003/internal/position"
	"github.com/EduKegler/breaker-sub003/internal/risk"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

// 2024-01-01 00:00 UTC, aligned to every interval used below.
const baseT = int64(1_704_067_200_000)

const minMs = int64(60_000)

func init() {
	strategy.Register("upbar-test", func(overrides strategy.Params) (strategy.Strategy, error) {
		return &upbarStrategy{}, nil
	})
}

// upbarStrategy goes long whenever the bar closes above its open. It exists
// so the end-to-end test gets deterministic signals from real bar data.
type upbarStrategy struct{}

func (s *upbarStrategy) Name() string                               { return "upbar-test" }
func (s *upbarStrategy) Params() strategy.Params                    { return nil }
func (s *upbarStrategy) WarmupBars() map[string]int                 { return map[string]int{"source": 2} }
func (s *upbarStrategy) RequiredTimeframes() []candle.Interval      { return nil }
func (s *upbarStrategy) OnCandle(ctx *strategy.Context) (*strategy.Signal, error) {
	cur := ctx.Current()
	if cur.C <= cur.O {
		return nil, nil
	}
	return &strategy.Signal{Direction: strategy.DirectionLong, StopLoss: cur.C - 5}, nil
}

type scriptedStrategy struct {
	name      string
	warmup    int
	sigAt     map[int64]*strategy.Signal
	exitAt    map[int64]string
	evals     int
	counters  []strategy.RiskCounters
	positions []*strategy.PositionSummary
}

func (s *scriptedStrategy) Name() string                          { return s.name }
func (s *scriptedStrategy) Params() strategy.Params               { return nil }
func (s *scriptedStrategy) WarmupBars() map[string]int            { return map[string]int{"source": s.warmup} }
func (s *scriptedStrategy) RequiredTimeframes() []candle.Interval { return nil }

func (s *scriptedStrategy) OnCandle(ctx *strategy.Context) (*strategy.Signal, error) {
	s.evals++
	s.counters = append(s.counters, ctx.Counters)
	s.positions = append(s.positions, ctx.Position)
	if sig, ok := s.sigAt[ctx.Current().T]; ok {
		return sig, nil
	}
	return nil, nil
}

func (s *scriptedStrategy) ShouldExit(ctx *strategy.Context) (*strategy.ExitDecision, error) {
	if reason, ok := s.exitAt[ctx.Current().T]; ok {
		return &strategy.ExitDecision{Exit: true, Reason: reason}, nil
	}
	return nil, nil
}

type placement struct {
	symbol     string
	isBuy      bool
	size       float64
	price      float64
	reduceOnly bool
}

type stubVenue struct {
	mu      sync.Mutex
	nextOid int64
	fillPx  float64
	markets []placement
	stops   []placement
	cancels []int64
}

func newStubVenue(fillPx float64) *stubVenue {
	return &stubVenue{nextOid: 1000, fillPx: fillPx}
}

func (v *stubVenue) Connect(ctx context.Context) error { return nil }
func (v *stubVenue) SetLeverage(ctx context.Context, symbol string, leverage int, cross bool) error {
	return nil
}
func (v *stubVenue) PlaceMarket(ctx context.Context, symbol string, isBuy bool, size float64) (*hyperliquid.PlacedOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.markets = append(v.markets, placement{symbol: symbol, isBuy: isBuy, size: size})
	v.nextOid++
	return &hyperliquid.PlacedOrder{OrderID: v.nextOid, Filled: true, AvgPrice: v.fillPx, TotalSz: size}, nil
}
func (v *stubVenue) PlaceStopTrigger(ctx context.Context, symbol string, isBuy bool, size, triggerPrice float64, reduceOnly bool) (*hyperliquid.PlacedOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stops = append(v.stops, placement{symbol: symbol, isBuy: isBuy, size: size, price: triggerPrice, reduceOnly: reduceOnly})
	v.nextOid++
	return &hyperliquid.PlacedOrder{OrderID: v.nextOid}, nil
}
func (v *stubVenue) PlaceLimit(ctx context.Context, symbol string, isBuy bool, size, price float64, reduceOnly bool) (*hyperliquid.PlacedOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextOid++
	return &hyperliquid.PlacedOrder{OrderID: v.nextOid}, nil
}
func (v *stubVenue) Cancel(ctx context.Context, symbol string, orderID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancels = append(v.cancels, orderID)
	return nil
}
func (v *stubVenue) GetPositions(ctx context.Context) ([]hyperliquid.Position, error) {
	return nil, nil
}
func (v *stubVenue) GetOpenOrders(ctx context.Context) ([]hyperliquid.OpenOrder, error) {
	return nil, nil
}
func (v *stubVenue) GetHistoricalOrders(ctx context.Context) ([]hyperliquid.HistOrder, error) {
	return nil, nil
}
func (v *stubVenue) GetAccountEquity(ctx context.Context) (float64, error) { return 10000, nil }
func (v *stubVenue) GetSymbolMeta(ctx context.Context, symbol string) (*hyperliquid.SymbolMeta, error) {
	return &hyperliquid.SymbolMeta{Name: symbol, SzDecimals: 3, MaxLeverage: 50}, nil
}

func (v *stubVenue) marketCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.markets)
}

func (v *stubVenue) stopCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.stops)
}

func (v *stubVenue) cancelled(oid int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.cancels {
		if c == oid {
			return true
		}
	}
	return false
}

// captureExecutor mimics the orders executor: accepted alerts open a
// position in the shared book so the runner sees the same state transitions.
type captureExecutor struct {
	mu     sync.Mutex
	book   *position.Book
	accept bool
	reason string
	nextID int64
	alerts []orders.Alert
}

func (x *captureExecutor) Execute(ctx context.Context, alert orders.Alert) (*orders.Result, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.alerts = append(x.alerts, alert)
	if !x.accept {
		return &orders.Result{Reason: x.reason}, nil
	}
	x.nextID++
	sig := alert.Signal
	pos := position.Position{
		Coin:         alert.Symbol,
		Direction:    sig.Direction,
		Strategy:     alert.Source,
		EntryPrice:   alert.CurrentPrice,
		Size:         1,
		InitialSize:  1,
		StopLoss:     sig.StopLoss,
		OpenedAt:     time.Now().UTC(),
		SignalID:     x.nextID,
		EntryOrderID: 9000 + x.nextID,
	}
	if sig.TrailingStopDistance > 0 {
		pos.TrailOrderID = 500 + x.nextID
		if sig.Direction == strategy.DirectionLong {
			pos.TrailingStopLoss = alert.CurrentPrice - sig.TrailingStopDistance
		} else {
			pos.TrailingStopLoss = alert.CurrentPrice + sig.TrailingStopDistance
		}
	}
	if err := x.book.Open(pos); err != nil {
		return nil, err
	}
	return &orders.Result{
		Accepted:     true,
		SignalID:     x.nextID,
		EntryOrderID: pos.EntryOrderID,
		EntryPrice:   alert.CurrentPrice,
		Size:         1,
	}, nil
}

func (x *captureExecutor) alertCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.alerts)
}

func (x *captureExecutor) lastAlert() orders.Alert {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.alerts[len(x.alerts)-1]
}

type runtimeStore struct {
	mu       sync.Mutex
	nextID   int64
	orders   []*database.OrderRecord
	trades   int
	realized float64
}

func (s *runtimeStore) CreateOrder(ctx context.Context, o *database.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	o.ID = s.nextID
	cp := *o
	s.orders = append(s.orders, &cp)
	return nil
}

func (s *runtimeStore) CountEntryOrdersSince(ctx context.Context, coin string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades, nil
}

func (s *runtimeStore) RealizedPnlSince(ctx context.Context, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realized, nil
}

func (s *runtimeStore) orderTags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]string, 0, len(s.orders))
	for _, o := range s.orders {
		tags = append(tags, o.Tag)
	}
	return tags
}

type busRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *busRecorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *busRecorder) waitFor(t *testing.T, eventType events.EventType) events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, e := range r.events {
			if e.Type == eventType {
				r.mu.Unlock()
				return e
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %s event, got none", eventType)
	return events.Event{}
}

type fakeSource struct {
	mu       sync.Mutex
	history  []candle.Candle
	onUpdate func(candle.Candle)
}

func (s *fakeSource) FetchCandles(ctx context.Context, coin string, interval candle.Interval, startMs, endMs int64) ([]candle.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []candle.Candle
	for _, c := range s.history {
		if c.T >= startMs && c.T < endMs {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeSource) SubscribeCandles(ctx context.Context, coin string, interval candle.Interval, onUpdate func(candle.Candle)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = onUpdate
	return nil
}

func (s *fakeSource) push(t *testing.T, c candle.Candle) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		fn := s.onUpdate
		s.mu.Unlock()
		if fn != nil {
			fn(c)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Source never subscribed")
}

func testRuntimeConfig() *config.Config {
	return &config.Config{
		Mode: config.ModeDryRun,
		SizingConfig: config.SizingConfig{
			Mode:            risk.SizingModeRisk,
			RiskPerTradeUsd: 50,
		},
		RuntimeConfig: config.RuntimeConfig{
			BufferBars:       50,
			OnCandleBudgetMs: 250,
			PollIntervalSecs: 60,
		},
	}
}

func newDirectRunner(t *testing.T, strat strategy.Strategy, warmup int, auto bool) (*runner, *captureExecutor, *stubVenue, *runtimeStore, *position.Book, *events.Bus) {
	t.Helper()
	book := position.NewBook()
	bus := events.NewBus()
	venue := newStubVenue(0)
	store := &runtimeStore{}
	exec := &captureExecutor{book: book, accept: true}
	rt := &Runtime{
		cfg:      testRuntimeConfig(),
		executor: exec,
		venue:    venue,
		book:     book,
		repo:     store,
		bus:      bus,
		logger:   zerolog.Nop(),
		feeds:    make(map[string]*feed),
	}
	asg := config.StrategyAssignment{
		Name:               strat.Name(),
		Interval:           "1m",
		WarmupBars:         warmup,
		AutoTradingEnabled: auto,
	}
	r := newRunner(rt, "BTC", asg, strat, candle.Interval1m, warmup, 50)
	return r, exec, venue, store, book, bus
}

func bar(t int64, o, h, l, c float64) candle.Candle {
	return candle.Candle{T: t, O: o, H: h, L: l, C: c, V: 1, N: 1}
}

func flatBar(i int, px float64) candle.Candle {
	return bar(baseT+int64(i)*minMs, px, px+1, px-1, px)
}

func seedBars(n int, px float64) []candle.Candle {
	out := make([]candle.Candle, n)
	for i := range out {
		out[i] = flatBar(i, px)
	}
	return out
}

func TestRunnerEmitsSignalOnClosedBar(t *testing.T) {
	sigT := baseT + 2*minMs
	strat := &scriptedStrategy{
		name:   "stub",
		warmup: 2,
		sigAt: map[int64]*strategy.Signal{
			sigT: {Direction: strategy.DirectionLong, StopLoss: 95},
		},
	}
	r, exec, _, _, book, _ := newDirectRunner(t, strat, 2, true)
	r.seed(seedBars(2, 100))

	r.onClosed(context.Background(), bar(sigT, 100, 101, 99, 100))

	if exec.alertCount() != 1 {
		t.Fatalf("Expected 1 alert, got %d", exec.alertCount())
	}
	alert := exec.lastAlert()
	wantID := orders.DeterministicAlertID("BTC", "stub", "long", sigT)
	if alert.AlertID != wantID {
		t.Errorf("Expected alert id %s, got %s", wantID, alert.AlertID)
	}
	if alert.Symbol != "BTC" || alert.Source != "stub" {
		t.Errorf("Expected BTC/stub alert, got %s/%s", alert.Symbol, alert.Source)
	}
	if alert.CurrentPrice != 100 {
		t.Errorf("Expected current price 100, got %v", alert.CurrentPrice)
	}
	pos, ok := book.Get("BTC")
	if !ok {
		t.Fatal("Expected position opened by executor")
	}
	if pos.Strategy != "stub" {
		t.Errorf("Expected position owned by stub, got %s", pos.Strategy)
	}
}

func TestRunnerIgnoresStaleClosedBars(t *testing.T) {
	strat := &scriptedStrategy{name: "stub", warmup: 2}
	r, _, _, _, _, _ := newDirectRunner(t, strat, 2, true)
	r.seed(seedBars(2, 100))

	r.onClosed(context.Background(), flatBar(1, 100)) // same T as last seeded bar
	r.onClosed(context.Background(), flatBar(0, 100)) // older still
	if strat.evals != 0 {
		t.Fatalf("Expected no evaluations for stale bars, got %d", strat.evals)
	}

	r.onClosed(context.Background(), flatBar(2, 100))
	if strat.evals != 1 {
		t.Fatalf("Expected 1 evaluation after fresh bar, got %d", strat.evals)
	}
}

func TestRunnerWarmupGatesEntries(t *testing.T) {
	strat := &scriptedStrategy{name: "stub", warmup: 3}
	r, _, _, _, _, _ := newDirectRunner(t, strat, 3, true)
	r.seed(seedBars(1, 100))

	r.onClosed(context.Background(), flatBar(1, 100)) // window 2 < warmup 3
	if strat.evals != 0 {
		t.Fatalf("Expected no evaluation below warmup, got %d", strat.evals)
	}

	r.onClosed(context.Background(), flatBar(2, 100)) // window 3 meets warmup
	if strat.evals != 1 {
		t.Fatalf("Expected evaluation at warmup, got %d", strat.evals)
	}
}

func TestRunnerStrategyExitFlattens(t *testing.T) {
	exitT := baseT + 2*minMs
	strat := &scriptedStrategy{
		name:   "stub",
		warmup: 2,
		exitAt: map[int64]string{exitT: "mid cross"},
	}
	r, _, venue, store, book, bus := newDirectRunner(t, strat, 2, true)
	venue.fillPx = 104
	rec := &busRecorder{}
	bus.Subscribe(events.EventPositionClosed, rec.record)

	if err := book.Open(position.Position{
		Coin:        "BTC",
		Direction:   strategy.DirectionLong,
		Strategy:    "stub",
		EntryPrice:  100,
		Size:        2,
		InitialSize: 2,
		StopLoss:    95,
		OpenedAt:    time.Now().UTC(),
		SignalID:    7,
		StopOrderID: 301,
		TPOrderIDs:  []int64{302},
	}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	r.seed(seedBars(2, 100))

	r.onClosed(context.Background(), bar(exitT, 103, 105, 102, 104))

	if venue.marketCount() != 1 {
		t.Fatalf("Expected 1 market close, got %d", venue.marketCount())
	}
	if venue.markets[0].isBuy {
		t.Error("Expected sell to close a long")
	}
	if venue.markets[0].size != 2 {
		t.Errorf("Expected close size 2, got %v", venue.markets[0].size)
	}
	if !book.IsFlat("BTC") {
		t.Error("Expected book flat after strategy exit")
	}
	if !venue.cancelled(301) || !venue.cancelled(302) {
		t.Errorf("Expected protective orders cancelled, got %v", venue.cancels)
	}

	e := rec.waitFor(t, events.EventPositionClosed)
	if reason := e.Data["reason"]; reason != "strategy_exit" {
		t.Errorf("Expected reason strategy_exit, got %v", reason)
	}
	if pnl := e.Data["pnl"]; pnl != 8.0 {
		t.Errorf("Expected pnl 8, got %v", pnl)
	}

	tags := store.orderTags()
	if len(tags) != 1 || tags[0] != database.OrderTagExit {
		t.Errorf("Expected one exit order row, got %v", tags)
	}
}

func TestRunnerReentersAfterStrategyExit(t *testing.T) {
	barT := baseT + 2*minMs
	strat := &scriptedStrategy{
		name:   "stub",
		warmup: 2,
		exitAt: map[int64]string{barT: "flip"},
		sigAt: map[int64]*strategy.Signal{
			barT: {Direction: strategy.DirectionShort, StopLoss: 110},
		},
	}
	r, exec, venue, _, book, _ := newDirectRunner(t, strat, 2, true)
	venue.fillPx = 100

	if err := book.Open(position.Position{
		Coin:        "BTC",
		Direction:   strategy.DirectionLong,
		Strategy:    "stub",
		EntryPrice:  100,
		Size:        1,
		InitialSize: 1,
		StopLoss:    95,
		OpenedAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	r.seed(seedBars(2, 100))

	r.onClosed(context.Background(), bar(barT, 100, 101, 99, 100))

	if exec.alertCount() != 1 {
		t.Fatalf("Expected re-entry alert on the exit bar, got %d", exec.alertCount())
	}
	pos, ok := book.Get("BTC")
	if !ok {
		t.Fatal("Expected new position after re-entry")
	}
	if pos.Direction != strategy.DirectionShort {
		t.Errorf("Expected short re-entry, got %s", pos.Direction)
	}
	// The entry context must see a flat book and the fresh exit.
	if len(strat.positions) != 1 || strat.positions[0] != nil {
		t.Errorf("Expected nil position in entry context, got %+v", strat.positions)
	}
	if len(strat.counters) != 1 || strat.counters[0].BarsSinceExit != 0 {
		t.Errorf("Expected BarsSinceExit 0 on the exit bar, got %+v", strat.counters)
	}
}

func TestRunnerTrailRatchets(t *testing.T) {
	sigT := baseT + 2*minMs
	strat := &scriptedStrategy{
		name:   "stub",
		warmup: 2,
		sigAt: map[int64]*strategy.Signal{
			sigT: {Direction: strategy.DirectionLong, StopLoss: 90, TrailingStopDistance: 5},
		},
	}
	r, _, venue, _, book, _ := newDirectRunner(t, strat, 2, true)
	r.seed(seedBars(2, 100))
	ctx := context.Background()

	r.onClosed(ctx, bar(sigT, 100, 101, 99, 100))
	pos, ok := book.Get("BTC")
	if !ok {
		t.Fatal("Expected open position")
	}
	firstTrailOid := pos.TrailOrderID
	if firstTrailOid == 0 {
		t.Fatal("Expected executor to arm a trail order")
	}

	// A higher close ratchets the trigger to close-distance.
	r.onClosed(ctx, bar(sigT+minMs, 100, 111, 100, 110))
	if venue.stopCount() != 1 {
		t.Fatalf("Expected 1 replaced trigger, got %d", venue.stopCount())
	}
	if got := venue.stops[0].price; got != 105 {
		t.Errorf("Expected trail level 105, got %v", got)
	}
	if !venue.stops[0].reduceOnly {
		t.Error("Expected reduce-only trail trigger")
	}
	if !venue.cancelled(firstTrailOid) {
		t.Errorf("Expected stale trail %d cancelled", firstTrailOid)
	}
	pos, _ = book.Get("BTC")
	if pos.TrailingStopLoss != 105 {
		t.Errorf("Expected tracked trail 105, got %v", pos.TrailingStopLoss)
	}

	// A weaker close leaves the trigger alone.
	r.onClosed(ctx, bar(sigT+2*minMs, 110, 110, 104, 104))
	if venue.stopCount() != 1 {
		t.Fatalf("Expected no ratchet on a lower close, got %d triggers", venue.stopCount())
	}

	// A new high ratchets again.
	r.onClosed(ctx, bar(sigT+3*minMs, 104, 121, 104, 120))
	if venue.stopCount() != 2 {
		t.Fatalf("Expected second ratchet, got %d triggers", venue.stopCount())
	}
	if got := venue.stops[1].price; got != 115 {
		t.Errorf("Expected trail level 115, got %v", got)
	}
}

func TestRunnerAutoTradingDisabledSuppressesExecution(t *testing.T) {
	sigT := baseT + 2*minMs
	strat := &scriptedStrategy{
		name:   "stub",
		warmup: 2,
		sigAt: map[int64]*strategy.Signal{
			sigT: {Direction: strategy.DirectionLong, StopLoss: 95},
		},
	}
	r, exec, _, _, _, bus := newDirectRunner(t, strat, 2, false)
	rec := &busRecorder{}
	bus.Subscribe(events.EventSignalReceived, rec.record)
	r.seed(seedBars(2, 100))

	r.onClosed(context.Background(), bar(sigT, 100, 101, 99, 100))

	if exec.alertCount() != 0 {
		t.Fatalf("Expected no execution with auto trading off, got %d", exec.alertCount())
	}
	e := rec.waitFor(t, events.EventSignalReceived)
	wantID := orders.DeterministicAlertID("BTC", "stub", "long", sigT)
	if got := e.Data["alert_id"]; got != wantID {
		t.Errorf("Expected alert_id %s, got %v", wantID, got)
	}
}

func TestRunnerSkipsSymbolOwnedByOtherStrategy(t *testing.T) {
	sigT := baseT + 2*minMs
	strat := &scriptedStrategy{
		name:   "stub",
		warmup: 2,
		sigAt: map[int64]*strategy.Signal{
			sigT: {Direction: strategy.DirectionLong, StopLoss: 95},
		},
		exitAt: map[int64]string{sigT: "never"},
	}
	r, exec, venue, _, book, _ := newDirectRunner(t, strat, 2, true)
	if err := book.Open(position.Position{
		Coin:       "BTC",
		Direction:  strategy.DirectionShort,
		Strategy:   "someone-else",
		EntryPrice: 100,
		Size:       1,
		StopLoss:   105,
		OpenedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	r.seed(seedBars(2, 100))

	r.onClosed(context.Background(), bar(sigT, 100, 101, 99, 100))

	if strat.evals != 0 {
		t.Errorf("Expected no evaluation while another strategy holds the symbol, got %d", strat.evals)
	}
	if exec.alertCount() != 0 || venue.marketCount() != 0 {
		t.Error("Expected no orders while another strategy holds the symbol")
	}
}

func TestRunnerCountersReflectHistoryAndExits(t *testing.T) {
	strat := &scriptedStrategy{name: "stub", warmup: 2}
	r, _, _, store, _, _ := newDirectRunner(t, strat, 2, true)
	store.trades = 3
	store.realized = -100
	r.seed(seedBars(2, 100))
	r.noteExit(-50)

	r.onClosed(context.Background(), flatBar(2, 100))

	if len(strat.counters) != 1 {
		t.Fatalf("Expected 1 evaluation, got %d", len(strat.counters))
	}
	got := strat.counters[0]
	if got.TradesToday != 3 {
		t.Errorf("Expected TradesToday 3, got %d", got.TradesToday)
	}
	if got.DailyPnlR != -2 {
		t.Errorf("Expected DailyPnlR -2, got %v", got.DailyPnlR)
	}
	if got.ConsecutiveLosses != 1 {
		t.Errorf("Expected ConsecutiveLosses 1, got %d", got.ConsecutiveLosses)
	}
	if got.BarsSinceExit != 1 {
		t.Errorf("Expected BarsSinceExit 1, got %d", got.BarsSinceExit)
	}
}

func TestClosedOnlyDropsInProgressBar(t *testing.T) {
	now := time.Now().UnixMilli()
	start := now - now%minMs - 3*minMs
	bars := []candle.Candle{
		bar(start, 100, 101, 99, 100),
		bar(start+minMs, 100, 101, 99, 100),
		bar(now-now%minMs, 100, 101, 99, 100), // current minute, still open
	}
	got := closedOnly(bars, candle.Interval1m)
	if len(got) != 2 {
		t.Fatalf("Expected 2 closed bars, got %d", len(got))
	}
	if got[len(got)-1].T != start+minMs {
		t.Errorf("Expected last closed bar %d, got %d", start+minMs, got[len(got)-1].T)
	}
}

func TestNewValidatesAssignments(t *testing.T) {
	src := &fakeSource{}
	base := func() *config.Config {
		cfg := testRuntimeConfig()
		cfg.Symbols = []config.SymbolConfig{{
			Coin:       "BTC",
			Leverage:   5,
			MarginType: "cross",
			DataSource: "hyperliquid",
			Strategies: []config.StrategyAssignment{{
				Name:               "upbar-test",
				Interval:           "1m",
				WarmupBars:         2,
				AutoTradingEnabled: true,
			}},
		}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		wantErr string
	}{
		{
			name:    "unknown data source",
			mutate:  func(cfg *config.Config) { cfg.Symbols[0].DataSource = "kraken" },
			wantErr: "no candle source",
		},
		{
			name:    "unknown strategy",
			mutate:  func(cfg *config.Config) { cfg.Symbols[0].Strategies[0].Name = "no-such-strategy" },
			wantErr: "unknown strategy",
		},
		{
			name:    "bad interval",
			mutate:  func(cfg *config.Config) { cfg.Symbols[0].Strategies[0].Interval = "7m" },
			wantErr: "interval",
		},
		{
			name:    "no assignments",
			mutate:  func(cfg *config.Config) { cfg.Symbols = nil },
			wantErr: "no strategy assignments",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			book := position.NewBook()
			exec := &captureExecutor{book: book, accept: true}
			_, err := New(cfg, map[string]ingest.Source{"hyperliquid": src}, exec, newStubVenue(0), book, &runtimeStore{}, nil, events.NewBus(), nil, zerolog.Nop())
			if err == nil {
				t.Fatal("Expected construction error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRuntimeStreamsAndExecutes(t *testing.T) {
	now := time.Now().UnixMilli()
	start := now - now%minMs - 5*minMs
	src := &fakeSource{history: []candle.Candle{
		bar(start, 100, 101, 99, 100),
		bar(start+minMs, 100, 101, 99, 100),
		bar(start+2*minMs, 100, 101, 99, 100),
	}}

	cfg := testRuntimeConfig()
	cfg.RuntimeConfig.BufferBars = 10
	cfg.Symbols = []config.SymbolConfig{{
		Coin:       "BTC",
		Leverage:   5,
		MarginType: "cross",
		DataSource: "hyperliquid",
		Strategies: []config.StrategyAssignment{{
			Name:               "upbar-test",
			Interval:           "1m",
			WarmupBars:         2,
			AutoTradingEnabled: true,
		}},
	}}

	book := position.NewBook()
	exec := &captureExecutor{book: book, accept: true}
	bus := events.NewBus()
	rt, err := New(cfg, map[string]ingest.Source{"hyperliquid": src}, exec, newStubVenue(0), book, &runtimeStore{}, nil, bus, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var hookMu sync.Mutex
	hookCalls := 0
	rt.OnCandleUpdate(func(coin string, interval candle.Interval, c candle.Candle, closed bool) {
		hookMu.Lock()
		hookCalls++
		hookMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, ok := rt.Series("BTC", candle.Interval1m); !ok {
		t.Error("Expected series for configured feed")
	}
	if _, ok := rt.Series("ETH", candle.Interval1m); ok {
		t.Error("Expected no series for unconfigured coin")
	}

	// An up bar arrives in progress, then the next bar opens and closes it.
	src.push(t, bar(start+3*minMs, 100, 106, 100, 105))
	src.push(t, bar(start+4*minMs, 105, 105, 104, 104))

	deadline := time.Now().Add(2 * time.Second)
	for exec.alertCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if exec.alertCount() != 1 {
		t.Fatalf("Expected 1 executed alert, got %d", exec.alertCount())
	}
	alert := exec.lastAlert()
	wantID := orders.DeterministicAlertID("BTC", "upbar-test", "long", start+3*minMs)
	if alert.AlertID != wantID {
		t.Errorf("Expected alert id %s, got %s", wantID, alert.AlertID)
	}

	// The broadcast hook saw the updates and the book marked the price.
	hookMu.Lock()
	calls := hookCalls
	hookMu.Unlock()
	if calls < 2 {
		t.Errorf("Expected at least 2 hook calls, got %d", calls)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		rt.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Runtime did not stop after cancel")
	}
}
