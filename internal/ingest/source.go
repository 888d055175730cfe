// Package ingest maintains one ordered, gap-free candle sequence per
// (symbol, interval, source). Warmup seeds history over REST, Poll catches
// up incrementally, and StreamLive pushes live updates with exactly-once
// closed-bar notifications.
package ingest

import (
	"context"

	"github.com/EduKegler/breaker-sub003/internal/candle"
)

// Source is a venue-specific candle feed. Both implementations normalize
// into the shared Candle type so the rest of the pipeline never sees wire
// shapes.
type Source interface {
	// FetchCandles returns candles with T in [startMs, endMs), ascending.
	// An empty result is not an error.
	FetchCandles(ctx context.Context, coin string, interval candle.Interval, startMs, endMs int64) ([]candle.Candle, error)

	// SubscribeCandles registers a push feed for (coin, interval). The
	// source owns reconnection; after a reconnect updates may repeat or
	// restart from an older T, the ingestor restores ordering.
	SubscribeCandles(ctx context.Context, coin string, interval candle.Interval, onUpdate func(candle.Candle)) error
}
