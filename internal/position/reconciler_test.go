package position

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/internal/database"
	"github.com/EduKegler/breaker-sub003/internal/events"
	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

type mockVenue struct {
	mu         sync.Mutex
	positions  []hyperliquid.Position
	openOrders []hyperliquid.OpenOrder
	histOrders []hyperliquid.HistOrder
	posErr     error
	histErr    error
	cancelled  []int64
}

func (m *mockVenue) Connect(ctx context.Context) error { return nil }
func (m *mockVenue) SetLeverage(ctx context.Context, symbol string, leverage int, cross bool) error {
	return nil
}
func (m *mockVenue) PlaceMarket(ctx context.Context, symbol string, isBuy bool, size float64) (*hyperliquid.PlacedOrder, error) {
	return nil, errors.New("not implemented")
}
func (m *mockVenue) PlaceStopTrigger(ctx context.Context, symbol string, isBuy bool, size, triggerPrice float64, reduceOnly bool) (*hyperliquid.PlacedOrder, error) {
	return nil, errors.New("not implemented")
}
func (m *mockVenue) PlaceLimit(ctx context.Context, symbol string, isBuy bool, size, price float64, reduceOnly bool) (*hyperliquid.PlacedOrder, error) {
	return nil, errors.New("not implemented")
}
func (m *mockVenue) Cancel(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return nil
}
func (m *mockVenue) GetPositions(ctx context.Context) ([]hyperliquid.Position, error) {
	return m.positions, m.posErr
}
func (m *mockVenue) GetOpenOrders(ctx context.Context) ([]hyperliquid.OpenOrder, error) {
	return m.openOrders, nil
}
func (m *mockVenue) GetHistoricalOrders(ctx context.Context) ([]hyperliquid.HistOrder, error) {
	return m.histOrders, m.histErr
}
func (m *mockVenue) GetAccountEquity(ctx context.Context) (float64, error) { return 10000, nil }
func (m *mockVenue) GetSymbolMeta(ctx context.Context, symbol string) (*hyperliquid.SymbolMeta, error) {
	return &hyperliquid.SymbolMeta{}, nil
}

func (m *mockVenue) cancelledIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.cancelled...)
}

type mockOrderStore struct {
	mu        sync.Mutex
	pending   []*database.OrderRecord
	byVenue   map[int64]*database.OrderRecord
	statuses  map[int64]string
	filledAts map[int64]*time.Time
	fills     []*database.FillRecord
}

func newMockOrderStore() *mockOrderStore {
	return &mockOrderStore{
		byVenue:   make(map[int64]*database.OrderRecord),
		statuses:  make(map[int64]string),
		filledAts: make(map[int64]*time.Time),
	}
}

func (m *mockOrderStore) GetPendingOrders(ctx context.Context) ([]*database.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*database.OrderRecord(nil), m.pending...), nil
}
func (m *mockOrderStore) GetOrderByVenueID(ctx context.Context, venueOrderID int64) (*database.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byVenue[venueOrderID], nil
}
func (m *mockOrderStore) MarkOrderStatus(ctx context.Context, id int64, status string, filledAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = status
	m.filledAts[id] = filledAt
	return nil
}
func (m *mockOrderStore) MarkOrderStatusByVenueID(ctx context.Context, venueOrderID int64, status string, filledAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ord, ok := m.byVenue[venueOrderID]; ok {
		m.statuses[ord.ID] = status
		m.filledAts[ord.ID] = filledAt
	}
	return nil
}
func (m *mockOrderStore) CreateFill(ctx context.Context, f *database.FillRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, f)
	return nil
}

func (m *mockOrderStore) status(id int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[id]
	return s, ok
}
func (m *mockOrderStore) filledAt(id int64) *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filledAts[id]
}
func (m *mockOrderStore) fillCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fills)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) byType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) waitFor(t events.EventType, timeout time.Duration) (events.Event, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if evs := r.byType(t); len(evs) > 0 {
			return evs[0], true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return events.Event{}, false
}

func newTestReconciler(book *Book, venue *mockVenue, repo *mockOrderStore, store *database.RedisSnapshotStore) (*Reconciler, *eventRecorder) {
	bus := events.NewBus()
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)
	r := NewReconciler(book, venue, repo, store, bus, time.Minute, zerolog.Nop())
	return r, rec
}

func TestReconcileGhostPositionOnVenue(t *testing.T) {
	book := NewBook()
	venue := &mockVenue{positions: []hyperliquid.Position{
		{Symbol: "ETH", Direction: "long", Size: 1.2, EntryPrice: 2500},
	}}
	r, rec := newTestReconciler(book, venue, newMockOrderStore(), nil)

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("Expected reconcile to succeed, got %v", err)
	}

	ev, ok := rec.waitFor(events.EventReconcileDrift, time.Second)
	if !ok {
		t.Fatal("Expected reconcile_drift event, got none")
	}
	if ev.Data["symbol"] != "ETH" {
		t.Errorf("Expected drift symbol ETH, got %v", ev.Data["symbol"])
	}
	if ev.Data["kind"] != DriftUntrackedOnVenue {
		t.Errorf("Expected drift kind %s, got %v", DriftUntrackedOnVenue, ev.Data["kind"])
	}
	detail, _ := ev.Data["detail"].(string)
	if !strings.Contains(detail, "not tracked locally") {
		t.Errorf("Expected detail to mention 'not tracked locally', got %q", detail)
	}

	// Drift is reported, never auto-adopted.
	if !book.IsFlat("ETH") {
		t.Error("Expected local book to remain flat after ghost position drift")
	}
	time.Sleep(20 * time.Millisecond)
	if evs := rec.byType(events.EventReconcileOK); len(evs) != 0 {
		t.Errorf("Expected no reconcile_ok on drift pass, got %d", len(evs))
	}
}

func TestReconcileLocalMissingOnVenue(t *testing.T) {
	book := NewBook()
	book.Open(Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 50000, Size: 0.5})
	venue := &mockVenue{}
	r, rec := newTestReconciler(book, venue, newMockOrderStore(), nil)

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("Expected reconcile to succeed, got %v", err)
	}

	ev, ok := rec.waitFor(events.EventReconcileDrift, time.Second)
	if !ok {
		t.Fatal("Expected reconcile_drift event, got none")
	}
	if ev.Data["kind"] != DriftMissingOnVenue {
		t.Errorf("Expected drift kind %s, got %v", DriftMissingOnVenue, ev.Data["kind"])
	}
	detail, _ := ev.Data["detail"].(string)
	if !strings.Contains(detail, "not on venue") {
		t.Errorf("Expected detail to mention 'not on venue', got %q", detail)
	}
	if book.IsFlat("BTC") {
		t.Error("Expected local position to survive the drift report")
	}
}

func TestReconcileSizeDrift(t *testing.T) {
	tests := []struct {
		name      string
		venueSize float64
		wantDrift bool
	}{
		{"within tolerance", 0.995, false},
		{"beyond tolerance", 0.90, true},
		{"exact match", 1.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book := NewBook()
			book.Open(Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 50000, Size: 1.0})
			venue := &mockVenue{positions: []hyperliquid.Position{
				{Symbol: "BTC", Direction: "long", Size: tt.venueSize, EntryPrice: 50000},
			}}
			r, rec := newTestReconciler(book, venue, newMockOrderStore(), nil)

			if err := r.ReconcileOnce(context.Background()); err != nil {
				t.Fatalf("Expected reconcile to succeed, got %v", err)
			}

			if tt.wantDrift {
				ev, ok := rec.waitFor(events.EventReconcileDrift, time.Second)
				if !ok {
					t.Fatal("Expected reconcile_drift event, got none")
				}
				if ev.Data["kind"] != DriftSizeMismatch {
					t.Errorf("Expected drift kind %s, got %v", DriftSizeMismatch, ev.Data["kind"])
				}
			} else {
				ev, ok := rec.waitFor(events.EventReconcileOK, time.Second)
				if !ok {
					t.Fatal("Expected reconcile_ok event, got none")
				}
				if ev.Data["checked"] != 1 {
					t.Errorf("Expected checked 1, got %v", ev.Data["checked"])
				}
			}
		})
	}
}

func TestReconcileDirectionDrift(t *testing.T) {
	book := NewBook()
	book.Open(Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 50000, Size: 1.0})
	venue := &mockVenue{positions: []hyperliquid.Position{
		{Symbol: "BTC", Direction: "short", Size: 1.0, EntryPrice: 50000},
	}}
	r, rec := newTestReconciler(book, venue, newMockOrderStore(), nil)

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("Expected reconcile to succeed, got %v", err)
	}
	ev, ok := rec.waitFor(events.EventReconcileDrift, time.Second)
	if !ok {
		t.Fatal("Expected reconcile_drift event, got none")
	}
	if ev.Data["kind"] != DriftDirectionMismatch {
		t.Errorf("Expected drift kind %s, got %v", DriftDirectionMismatch, ev.Data["kind"])
	}
}

func TestReconcileVenueErrorPropagates(t *testing.T) {
	venue := &mockVenue{posErr: errors.New("venue unavailable")}
	r, _ := newTestReconciler(NewBook(), venue, newMockOrderStore(), nil)
	if err := r.ReconcileOnce(context.Background()); err == nil {
		t.Error("Expected reconcile to fail when venue positions are unavailable")
	}
}

func TestResolvePendingOrders(t *testing.T) {
	book := NewBook()
	book.Open(Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 50000, Size: 1.0})

	repo := newMockOrderStore()
	repo.pending = []*database.OrderRecord{
		{ID: 1, VenueOrderID: 101, Coin: "BTC", Tag: database.OrderTagEntry},
		{ID: 2, VenueOrderID: 102, Coin: "BTC", Tag: database.OrderTagStopLoss},
		{ID: 3, VenueOrderID: 103, Coin: "ETH", Tag: database.OrderTagEntry},
		{ID: 4, VenueOrderID: 104, Coin: "BTC", Tag: "tp1"},
		{ID: 5, VenueOrderID: 105, Coin: "BTC", Tag: "tp2"},
	}
	venue := &mockVenue{
		positions: []hyperliquid.Position{{Symbol: "BTC", Direction: "long", Size: 1.0, EntryPrice: 50000}},
		histOrders: []hyperliquid.HistOrder{
			{OrderID: 101, Symbol: "BTC", Status: "filled", Timestamp: 1700000000000},
			{OrderID: 102, Symbol: "BTC", Status: "canceled"},
			{OrderID: 105, Symbol: "BTC", Status: "open"},
		},
	}
	r, _ := newTestReconciler(book, venue, repo, nil)

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("Expected reconcile to succeed, got %v", err)
	}

	if s, _ := repo.status(1); s != database.OrderStatusFilled {
		t.Errorf("Expected order 1 filled, got %q", s)
	}
	if at := repo.filledAt(1); at == nil || !at.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Errorf("Expected filledAt from venue timestamp, got %v", at)
	}
	if s, _ := repo.status(2); s != database.OrderStatusCancelled {
		t.Errorf("Expected order 2 cancelled, got %q", s)
	}
	// Absent from history with no local ETH position: surely dead.
	if s, _ := repo.status(3); s != database.OrderStatusCancelled {
		t.Errorf("Expected order 3 cancelled, got %q", s)
	}
	// Absent from history but BTC position is live: might be too recent.
	if _, ok := repo.status(4); ok {
		t.Error("Expected order 4 to stay pending")
	}
	if _, ok := repo.status(5); ok {
		t.Error("Expected order 5 to stay pending while venue reports open")
	}
}

func TestResolvePendingSkippedWhenHistoryUnavailable(t *testing.T) {
	book := NewBook()
	repo := newMockOrderStore()
	repo.pending = []*database.OrderRecord{
		{ID: 1, VenueOrderID: 101, Coin: "ETH", Tag: database.OrderTagEntry},
	}
	venue := &mockVenue{histErr: errors.New("rate limited")}
	r, _ := newTestReconciler(book, venue, repo, nil)

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("Expected reconcile to succeed, got %v", err)
	}
	if _, ok := repo.status(1); ok {
		t.Error("Expected pending order untouched when history fetch fails")
	}
}

func TestHandleOrderUpdates(t *testing.T) {
	book := NewBook()
	repo := newMockOrderStore()
	repo.byVenue[201] = &database.OrderRecord{ID: 21, VenueOrderID: 201, Coin: "BTC", Tag: database.OrderTagEntry}
	repo.byVenue[202] = &database.OrderRecord{ID: 22, VenueOrderID: 202, Coin: "BTC", Tag: "tp1"}
	repo.byVenue[203] = &database.OrderRecord{ID: 23, VenueOrderID: 203, Coin: "BTC", Tag: database.OrderTagStopLoss}
	r, _ := newTestReconciler(book, &mockVenue{}, repo, nil)

	r.HandleOrderUpdates([]hyperliquid.WsOrderUpdate{
		{Order: hyperliquid.WsBasicOrder{Coin: "BTC", Oid: 201}, Status: "filled", StatusTimestamp: 1700000000000},
		{Order: hyperliquid.WsBasicOrder{Coin: "BTC", Oid: 202}, Status: "open"},
		{Order: hyperliquid.WsBasicOrder{Coin: "BTC", Oid: 203}, Status: "canceled"},
	})

	if s, _ := repo.status(21); s != database.OrderStatusFilled {
		t.Errorf("Expected order 21 filled, got %q", s)
	}
	if at := repo.filledAt(21); at == nil || !at.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Errorf("Expected filledAt from status timestamp, got %v", at)
	}
	if _, ok := repo.status(22); ok {
		t.Error("Expected open status to leave order 22 untouched")
	}
	if s, _ := repo.status(23); s != database.OrderStatusCancelled {
		t.Errorf("Expected order 23 cancelled, got %q", s)
	}
}

func TestHandleFillsStopLossClosesPosition(t *testing.T) {
	book := NewBook()
	book.Open(Position{
		Coin:        "BTC",
		Direction:   strategy.DirectionLong,
		Strategy:    "donchian-breakout",
		EntryPrice:  50000,
		Size:        0.5,
		StopLoss:    48000,
		StopOrderID: 900,
		TPOrderIDs:  []int64{901, 902},
	})
	repo := newMockOrderStore()
	repo.byVenue[900] = &database.OrderRecord{ID: 30, VenueOrderID: 900, Coin: "BTC", Tag: database.OrderTagStopLoss}
	venue := &mockVenue{}
	store := database.NewRedisSnapshotStore(nil, time.Hour)
	store.SavePosition(context.Background(), &database.PersistedPosition{Symbol: "BTC", Direction: "long"})

	r, rec := newTestReconciler(book, venue, repo, store)
	r.HandleFills(hyperliquid.WsUserFills{Fills: []hyperliquid.WsFill{
		{Coin: "BTC", Px: 48000, Sz: 0.5, Oid: 900, Time: 1700000005000, Fee: 10.8, ClosedPnl: -1000, Tid: 7001},
	}})

	if !book.IsFlat("BTC") {
		t.Error("Expected position closed after stop-loss fill")
	}
	ev, ok := rec.waitFor(events.EventPositionClosed, time.Second)
	if !ok {
		t.Fatal("Expected position_closed event, got none")
	}
	if ev.Data["reason"] != "stop_loss" {
		t.Errorf("Expected reason stop_loss, got %v", ev.Data["reason"])
	}
	if ev.Data["pnl"] != -1000.0 {
		t.Errorf("Expected pnl -1000, got %v", ev.Data["pnl"])
	}
	if repo.fillCount() != 1 {
		t.Errorf("Expected 1 fill recorded, got %d", repo.fillCount())
	}

	snaps, _ := store.LoadPositions(context.Background())
	if _, ok := snaps["BTC"]; ok {
		t.Error("Expected snapshot removed after close")
	}

	cancelled := venue.cancelledIDs()
	if len(cancelled) != 2 {
		t.Fatalf("Expected 2 residual cancels, got %v", cancelled)
	}
	for _, oid := range cancelled {
		if oid == 900 {
			t.Error("Expected the filled stop order not to be cancelled")
		}
	}
}

func TestHandleFillsTakeProfitLadder(t *testing.T) {
	book := NewBook()
	book.Open(Position{
		Coin:        "ETH",
		Direction:   strategy.DirectionLong,
		Strategy:    "keltner-trend",
		EntryPrice:  2000,
		Size:        1.0,
		StopLoss:    1900,
		StopOrderID: 900,
		TPOrderIDs:  []int64{901, 902},
	})
	repo := newMockOrderStore()
	repo.byVenue[901] = &database.OrderRecord{ID: 31, VenueOrderID: 901, Coin: "ETH", Tag: "tp1"}
	repo.byVenue[902] = &database.OrderRecord{ID: 32, VenueOrderID: 902, Coin: "ETH", Tag: "tp2"}
	venue := &mockVenue{}
	store := database.NewRedisSnapshotStore(nil, time.Hour)

	r, rec := newTestReconciler(book, venue, repo, store)

	r.HandleFills(hyperliquid.WsUserFills{Fills: []hyperliquid.WsFill{
		{Coin: "ETH", Px: 2100, Sz: 0.5, Oid: 901, Time: 1700000001000, Fee: 0.5, ClosedPnl: 50, Tid: 7101},
	}})

	pos, ok := book.Get("ETH")
	if !ok {
		t.Fatal("Expected position to survive partial take-profit")
	}
	if pos.Size != 0.5 {
		t.Errorf("Expected remaining size 0.5, got %v", pos.Size)
	}
	snaps, _ := store.LoadPositions(context.Background())
	if snap, ok := snaps["ETH"]; !ok || snap.Size != 0.5 {
		t.Errorf("Expected snapshot refreshed to size 0.5, got %+v", snap)
	}
	time.Sleep(20 * time.Millisecond)
	if evs := rec.byType(events.EventPositionClosed); len(evs) != 0 {
		t.Errorf("Expected no position_closed after partial fill, got %d", len(evs))
	}

	r.HandleFills(hyperliquid.WsUserFills{Fills: []hyperliquid.WsFill{
		{Coin: "ETH", Px: 2200, Sz: 0.5, Oid: 902, Time: 1700000002000, Fee: 0.55, ClosedPnl: 100, Tid: 7102},
	}})

	if !book.IsFlat("ETH") {
		t.Error("Expected position closed after final ladder rung")
	}
	ev, ok := rec.waitFor(events.EventPositionClosed, time.Second)
	if !ok {
		t.Fatal("Expected position_closed event, got none")
	}
	if ev.Data["reason"] != "take_profit" {
		t.Errorf("Expected reason take_profit, got %v", ev.Data["reason"])
	}

	cancelled := venue.cancelledIDs()
	foundStop := false
	for _, oid := range cancelled {
		if oid == 900 {
			foundStop = true
		}
	}
	if !foundStop {
		t.Errorf("Expected residual stop order 900 cancelled, got %v", cancelled)
	}
}

func TestHandleFillsDeduplicatesByTid(t *testing.T) {
	book := NewBook()
	repo := newMockOrderStore()
	repo.byVenue[500] = &database.OrderRecord{ID: 50, VenueOrderID: 500, Coin: "BTC", Tag: database.OrderTagEntry}
	r, _ := newTestReconciler(book, &mockVenue{}, repo, nil)

	fill := hyperliquid.WsFill{Coin: "BTC", Px: 50000, Sz: 0.1, Oid: 500, Time: 1700000000000, Tid: 8001}
	r.HandleFills(hyperliquid.WsUserFills{Fills: []hyperliquid.WsFill{fill}})
	r.HandleFills(hyperliquid.WsUserFills{Fills: []hyperliquid.WsFill{fill}})

	if repo.fillCount() != 1 {
		t.Errorf("Expected duplicate fill ignored, got %d records", repo.fillCount())
	}
}

func TestHandleFillsDropsNonFiniteBatch(t *testing.T) {
	book := NewBook()
	book.Open(Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 50000, Size: 1.0, StopOrderID: 900})
	repo := newMockOrderStore()
	repo.byVenue[900] = &database.OrderRecord{ID: 30, VenueOrderID: 900, Coin: "BTC", Tag: database.OrderTagStopLoss}
	r, _ := newTestReconciler(book, &mockVenue{}, repo, nil)

	r.HandleFills(hyperliquid.WsUserFills{Fills: []hyperliquid.WsFill{
		{Coin: "BTC", Px: 48000, Sz: 1.0, Oid: 900, Tid: 9001},
		{Coin: "BTC", Px: math.NaN(), Sz: 0.5, Oid: 900, Tid: 9002},
	}})

	if repo.fillCount() != 0 {
		t.Errorf("Expected whole batch dropped, got %d fills recorded", repo.fillCount())
	}
	if book.IsFlat("BTC") {
		t.Error("Expected position untouched when batch is dropped")
	}
}

func TestHandleFillsSkipsSnapshot(t *testing.T) {
	repo := newMockOrderStore()
	repo.byVenue[500] = &database.OrderRecord{ID: 50, VenueOrderID: 500, Coin: "BTC", Tag: database.OrderTagEntry}
	r, _ := newTestReconciler(NewBook(), &mockVenue{}, repo, nil)

	r.HandleFills(hyperliquid.WsUserFills{
		IsSnapshot: true,
		Fills:      []hyperliquid.WsFill{{Coin: "BTC", Px: 50000, Sz: 0.1, Oid: 500, Tid: 8001}},
	})
	if repo.fillCount() != 0 {
		t.Errorf("Expected historical snapshot skipped, got %d fills", repo.fillCount())
	}
}

func TestRecoverRebuildsFromVenue(t *testing.T) {
	venue := &mockVenue{
		positions: []hyperliquid.Position{
			{Symbol: "BTC", Direction: "long", Size: 0.5, EntryPrice: 50000, Leverage: 3},
		},
		openOrders: []hyperliquid.OpenOrder{
			{OrderID: 900, Symbol: "BTC", IsBuy: false, TriggerPrice: 48000, Size: 0.5, ReduceOnly: true, IsTrigger: true},
			{OrderID: 902, Symbol: "BTC", IsBuy: false, Price: 54000, Size: 0.25, ReduceOnly: true},
			{OrderID: 901, Symbol: "BTC", IsBuy: false, Price: 52000, Size: 0.25, ReduceOnly: true},
		},
	}
	book := NewBook()

	n, err := Recover(context.Background(), venue, nil, book, zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected recovery to succeed, got %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 position recovered, got %d", n)
	}

	pos, ok := book.Get("BTC")
	if !ok {
		t.Fatal("Expected BTC position in book")
	}
	if pos.StopLoss != 48000 {
		t.Errorf("Expected stop loss 48000, got %v", pos.StopLoss)
	}
	if pos.StopOrderID != 900 {
		t.Errorf("Expected stop order id 900, got %d", pos.StopOrderID)
	}
	if pos.VenueIncomplete {
		t.Error("Expected position with resting stop not to be flagged incomplete")
	}
	if len(pos.TakeProfits) != 2 {
		t.Fatalf("Expected 2 take-profit levels, got %d", len(pos.TakeProfits))
	}
	if pos.TakeProfits[0].Price != 52000 || pos.TakeProfits[1].Price != 54000 {
		t.Errorf("Expected take-profits sorted nearest first, got %v then %v",
			pos.TakeProfits[0].Price, pos.TakeProfits[1].Price)
	}
	if pos.TakeProfits[0].PctOfPosition != 0.5 {
		t.Errorf("Expected tp pct 0.5, got %v", pos.TakeProfits[0].PctOfPosition)
	}
}

func TestRecoverMarksUnprotectedIncomplete(t *testing.T) {
	venue := &mockVenue{
		positions: []hyperliquid.Position{
			{Symbol: "SOL", Direction: "short", Size: 10, EntryPrice: 150},
		},
	}
	book := NewBook()

	if _, err := Recover(context.Background(), venue, nil, book, zerolog.Nop()); err != nil {
		t.Fatalf("Expected recovery to succeed, got %v", err)
	}
	pos, ok := book.Get("SOL")
	if !ok {
		t.Fatal("Expected SOL position in book")
	}
	if !pos.VenueIncomplete {
		t.Error("Expected position without a resting stop to be flagged incomplete")
	}
	if pos.StopLoss != 0 {
		t.Errorf("Expected stop loss 0, got %v", pos.StopLoss)
	}
}

func TestRecoverMergesSnapshotMetadata(t *testing.T) {
	openedAt := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	store := database.NewRedisSnapshotStore(nil, time.Hour)
	store.SavePosition(context.Background(), &database.PersistedPosition{
		Symbol:    "BTC",
		Direction: "long",
		Strategy:  "keltner-trend",
		OpenedAt:  openedAt,
	})
	venue := &mockVenue{
		positions: []hyperliquid.Position{
			{Symbol: "BTC", Direction: "long", Size: 0.5, EntryPrice: 50000},
		},
	}
	book := NewBook()

	if _, err := Recover(context.Background(), venue, store, book, zerolog.Nop()); err != nil {
		t.Fatalf("Expected recovery to succeed, got %v", err)
	}
	pos, _ := book.Get("BTC")
	if pos.Strategy != "keltner-trend" {
		t.Errorf("Expected strategy from snapshot, got %q", pos.Strategy)
	}
	if !pos.OpenedAt.Equal(openedAt) {
		t.Errorf("Expected openedAt %v from snapshot, got %v", openedAt, pos.OpenedAt)
	}
}

func TestRecoverIgnoresSnapshotWithWrongDirection(t *testing.T) {
	store := database.NewRedisSnapshotStore(nil, time.Hour)
	store.SavePosition(context.Background(), &database.PersistedPosition{
		Symbol:    "BTC",
		Direction: "short",
		Strategy:  "keltner-trend",
	})
	venue := &mockVenue{
		positions: []hyperliquid.Position{
			{Symbol: "BTC", Direction: "long", Size: 0.5, EntryPrice: 50000},
		},
	}
	book := NewBook()

	if _, err := Recover(context.Background(), venue, store, book, zerolog.Nop()); err != nil {
		t.Fatalf("Expected recovery to succeed, got %v", err)
	}
	pos, _ := book.Get("BTC")
	if pos.Strategy != "" {
		t.Errorf("Expected snapshot metadata ignored on direction mismatch, got strategy %q", pos.Strategy)
	}
}

func TestRecoverDropsStaleSnapshot(t *testing.T) {
	store := database.NewRedisSnapshotStore(nil, time.Hour)
	store.SavePosition(context.Background(), &database.PersistedPosition{Symbol: "DOGE", Direction: "long"})
	venue := &mockVenue{}
	book := NewBook()

	if _, err := Recover(context.Background(), venue, store, book, zerolog.Nop()); err != nil {
		t.Fatalf("Expected recovery to succeed, got %v", err)
	}
	snaps, _ := store.LoadPositions(context.Background())
	if _, ok := snaps["DOGE"]; ok {
		t.Error("Expected stale snapshot removed during recovery")
	}
	if book.Count() != 0 {
		t.Errorf("Expected empty book, got %d positions", book.Count())
	}
}

func TestRecoverVenueErrorPropagates(t *testing.T) {
	venue := &mockVenue{posErr: errors.New("venue unavailable")}
	if _, err := Recover(context.Background(), venue, nil, NewBook(), zerolog.Nop()); err == nil {
		t.Error("Expected recovery to fail when venue is unavailable")
	}
}
