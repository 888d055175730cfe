package database

import (
	"context"
	"testing"
	"time"
)

// Repository methods are exercised against a real PostgreSQL instance in the
// integration environment. The tests here cover the pure logic around the
// records and the snapshot store's memory-only mode.

func TestTakeProfitTag(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{1, "tp1"},
		{2, "tp2"},
		{5, "tp5"},
	}
	for _, tt := range tests {
		if got := TakeProfitTag(tt.n); got != tt.want {
			t.Errorf("Expected tag %s, got %s", tt.want, got)
		}
	}
}

func TestSnapshotStoreMemoryOnlyRoundTrip(t *testing.T) {
	store := NewRedisSnapshotStore(nil, time.Hour)
	if store.Available() {
		t.Error("Expected memory-only store to report Redis unavailable")
	}

	ctx := context.Background()
	pos := &PersistedPosition{
		Symbol:     "BTC",
		Direction:  "long",
		Strategy:   "donchian-breakout",
		EntryPrice: 65000,
		Size:       0.1,
		StopLoss:   64000,
		TakeProfits: []TakeProfitLevel{
			{Price: 66000, Pct: 0.5},
			{Price: 67000, Pct: 0.5},
		},
		OpenedAt: time.Now().UTC(),
	}
	if err := store.SavePosition(ctx, pos); err != nil {
		t.Fatalf("SavePosition returned error: %v", err)
	}
	if pos.SavedAt.IsZero() {
		t.Error("Expected SavedAt to be stamped")
	}

	positions, err := store.LoadPositions(ctx)
	if err != nil {
		t.Fatalf("LoadPositions returned error: %v", err)
	}
	got, ok := positions["BTC"]
	if !ok {
		t.Fatal("Expected BTC snapshot to be loadable")
	}
	if got.EntryPrice != 65000 || got.Direction != "long" {
		t.Errorf("Expected entry 65000 long, got %v %s", got.EntryPrice, got.Direction)
	}
	if len(got.TakeProfits) != 2 {
		t.Errorf("Expected 2 take profit levels, got %d", len(got.TakeProfits))
	}

	// Loaded snapshots must be copies, not aliases into the cache.
	got.EntryPrice = 1
	reloaded, _ := store.LoadPositions(ctx)
	if reloaded["BTC"].EntryPrice != 65000 {
		t.Error("Expected snapshot mutation to not leak back into the store")
	}
}

func TestSnapshotStoreDelete(t *testing.T) {
	store := NewRedisSnapshotStore(nil, time.Hour)
	ctx := context.Background()

	store.SavePosition(ctx, &PersistedPosition{Symbol: "ETH", Direction: "short", EntryPrice: 3000, Size: 1})
	if err := store.DeletePosition(ctx, "ETH"); err != nil {
		t.Fatalf("DeletePosition returned error: %v", err)
	}

	positions, err := store.LoadPositions(ctx)
	if err != nil {
		t.Fatalf("LoadPositions returned error: %v", err)
	}
	if _, ok := positions["ETH"]; ok {
		t.Error("Expected ETH snapshot to be removed")
	}
}

func TestSnapshotStoreRejectsNil(t *testing.T) {
	store := NewRedisSnapshotStore(nil, time.Hour)
	if err := store.SavePosition(context.Background(), nil); err == nil {
		t.Error("Expected error when saving nil snapshot, got nil")
	}
}
