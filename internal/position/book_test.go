package position

import (
	"errors"
	"math"
	"testing"

	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

func TestBookOpenAndGet(t *testing.T) {
	book := NewBook()
	err := book.Open(Position{
		Coin:       "BTC",
		Direction:  strategy.DirectionLong,
		Strategy:   "donchian-breakout",
		EntryPrice: 50000,
		Size:       0.5,
		StopLoss:   48000,
	})
	if err != nil {
		t.Fatalf("Expected open to succeed, got %v", err)
	}

	got, ok := book.Get("BTC")
	if !ok {
		t.Fatal("Expected position for BTC, got none")
	}
	if got.Direction != strategy.DirectionLong {
		t.Errorf("Expected direction long, got %s", got.Direction)
	}
	if got.InitialSize != 0.5 {
		t.Errorf("Expected initial size 0.5, got %v", got.InitialSize)
	}
	if got.OpenedAt.IsZero() {
		t.Error("Expected OpenedAt to be set, got zero time")
	}
	if got.CurrentPrice != 50000 {
		t.Errorf("Expected current price seeded from entry 50000, got %v", got.CurrentPrice)
	}

	// Mutating the returned copy must not touch the book.
	got.Size = 99
	again, _ := book.Get("BTC")
	if again.Size != 0.5 {
		t.Errorf("Expected book size 0.5 after mutating copy, got %v", again.Size)
	}

	if book.IsFlat("BTC") {
		t.Error("Expected IsFlat to be false for open position")
	}
	if !book.IsFlat("ETH") {
		t.Error("Expected IsFlat to be true for unknown symbol")
	}
	if book.Count() != 1 {
		t.Errorf("Expected count 1, got %d", book.Count())
	}
}

func TestBookRejectsDuplicateOpen(t *testing.T) {
	book := NewBook()
	base := Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 100, Size: 1}
	if err := book.Open(base); err != nil {
		t.Fatalf("Expected first open to succeed, got %v", err)
	}
	err := book.Open(base)
	if err == nil {
		t.Fatal("Expected second open for same symbol to fail, got nil")
	}
	if !errors.Is(err, ErrPositionExists) {
		t.Errorf("Expected ErrPositionExists, got %v", err)
	}
}

func TestBookRejectsInvalidPositions(t *testing.T) {
	tests := []struct {
		name string
		pos  Position
	}{
		{"empty coin", Position{Direction: strategy.DirectionLong, EntryPrice: 100, Size: 1}},
		{"zero size", Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 100, Size: 0}},
		{"negative size", Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 100, Size: -1}},
		{"nan size", Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 100, Size: math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book := NewBook()
			if err := book.Open(tt.pos); err == nil {
				t.Error("Expected open to fail, got nil")
			}
		})
	}
}

func TestBookUpdatePrice(t *testing.T) {
	book := NewBook()
	book.Open(Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 100, Size: 2})
	book.Open(Position{Coin: "ETH", Direction: strategy.DirectionShort, EntryPrice: 2000, Size: 1.5})

	book.UpdatePrice("BTC", 110)
	long, _ := book.Get("BTC")
	if long.UnrealizedPnl != 20 {
		t.Errorf("Expected long unrealized pnl 20, got %v", long.UnrealizedPnl)
	}
	if long.CurrentPrice != 110 {
		t.Errorf("Expected current price 110, got %v", long.CurrentPrice)
	}

	book.UpdatePrice("ETH", 1900)
	short, _ := book.Get("ETH")
	if short.UnrealizedPnl != 150 {
		t.Errorf("Expected short unrealized pnl 150, got %v", short.UnrealizedPnl)
	}

	// Bad marks are ignored.
	book.UpdatePrice("BTC", 0)
	book.UpdatePrice("BTC", -5)
	book.UpdatePrice("BTC", math.NaN())
	after, _ := book.Get("BTC")
	if after.CurrentPrice != 110 {
		t.Errorf("Expected current price to hold at 110 after invalid marks, got %v", after.CurrentPrice)
	}

	// Unknown symbol is a no-op.
	book.UpdatePrice("SOL", 100)
}

func TestBookReduce(t *testing.T) {
	book := NewBook()
	book.Open(Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 100, Size: 1})

	remaining, ok := book.Reduce("BTC", 0.4)
	if !ok || remaining != 0.6 {
		t.Errorf("Expected remaining 0.6 ok=true, got %v ok=%v", remaining, ok)
	}
	got, _ := book.Get("BTC")
	if got.InitialSize != 1 {
		t.Errorf("Expected initial size to stay 1 after reduce, got %v", got.InitialSize)
	}

	// Over-reduction clamps at zero.
	remaining, ok = book.Reduce("BTC", 2)
	if !ok || remaining != 0 {
		t.Errorf("Expected remaining 0 ok=true, got %v ok=%v", remaining, ok)
	}

	// Non-positive reduce size reports current size without changing it.
	book2 := NewBook()
	book2.Open(Position{Coin: "ETH", Direction: strategy.DirectionLong, EntryPrice: 100, Size: 1})
	remaining, ok = book2.Reduce("ETH", 0)
	if !ok || remaining != 1 {
		t.Errorf("Expected remaining 1 ok=true for zero reduce, got %v ok=%v", remaining, ok)
	}

	if _, ok := book.Reduce("SOL", 0.1); ok {
		t.Error("Expected reduce on unknown symbol to report ok=false")
	}
}

func TestBookCloseRemoves(t *testing.T) {
	book := NewBook()
	book.Open(Position{Coin: "BTC", Direction: strategy.DirectionShort, EntryPrice: 100, Size: 1, Strategy: "keltner-trend"})

	closed, ok := book.Close("BTC")
	if !ok {
		t.Fatal("Expected close to find position")
	}
	if closed.Strategy != "keltner-trend" {
		t.Errorf("Expected closed position to carry strategy name, got %q", closed.Strategy)
	}
	if !book.IsFlat("BTC") {
		t.Error("Expected book to be flat after close")
	}
	if _, ok := book.Close("BTC"); ok {
		t.Error("Expected second close to report ok=false")
	}
}

func TestBookStopMutators(t *testing.T) {
	book := NewBook()
	book.Open(Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 100, Size: 1, StopLoss: 95})

	if !book.SetStopLoss("BTC", 0, true) {
		t.Fatal("Expected SetStopLoss to find position")
	}
	got, _ := book.Get("BTC")
	if got.StopLoss != 0 || !got.VenueIncomplete {
		t.Errorf("Expected stop 0 and venueIncomplete=true, got stop %v incomplete %v", got.StopLoss, got.VenueIncomplete)
	}

	if !book.SetTrailingStop("BTC", 777, 97.5) {
		t.Fatal("Expected SetTrailingStop to find position")
	}
	got, _ = book.Get("BTC")
	if got.TrailingStopLoss != 97.5 {
		t.Errorf("Expected trailing stop 97.5, got %v", got.TrailingStopLoss)
	}
	if got.TrailOrderID != 777 {
		t.Errorf("Expected trail order id 777, got %d", got.TrailOrderID)
	}

	if !book.SetProtectiveOrderIDs("BTC", 900, []int64{901, 902}) {
		t.Fatal("Expected SetProtectiveOrderIDs to find position")
	}
	got, _ = book.Get("BTC")
	if got.StopOrderID != 900 || len(got.TPOrderIDs) != 2 {
		t.Errorf("Expected stop 900 and 2 tp ids, got %d and %v", got.StopOrderID, got.TPOrderIDs)
	}

	if book.SetStopLoss("SOL", 10, false) {
		t.Error("Expected SetStopLoss on unknown symbol to report false")
	}
	if book.SetTrailingStop("SOL", 1, 10) {
		t.Error("Expected SetTrailingStop on unknown symbol to report false")
	}
	if book.SetProtectiveOrderIDs("SOL", 1, nil) {
		t.Error("Expected SetProtectiveOrderIDs on unknown symbol to report false")
	}
}

func TestBookGetAllReturnsCopies(t *testing.T) {
	book := NewBook()
	book.Open(Position{Coin: "BTC", Direction: strategy.DirectionLong, EntryPrice: 100, Size: 1})
	book.Open(Position{Coin: "ETH", Direction: strategy.DirectionShort, EntryPrice: 2000, Size: 2})

	all := book.GetAll()
	if len(all) != 2 {
		t.Fatalf("Expected 2 positions, got %d", len(all))
	}
	all[0].Size = 42
	for _, p := range book.GetAll() {
		if p.Size == 42 {
			t.Error("Expected GetAll to return copies, book was mutated")
		}
	}
}
