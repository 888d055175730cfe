package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/internal/candle"
)

// OnCandle receives every accepted update. closed is true exactly once per
// bar, the first time a strictly greater T supersedes it.
type OnCandle func(c candle.Candle, closed bool)

var ErrAlreadyStreaming = errors.New("ingestor already streaming")

// Ingestor owns the candle sequence for one (symbol, interval, source).
// Both the push feed and the poll safety net funnel into apply, which
// serializes ordering decisions and emissions under one lock.
type Ingestor struct {
	source       Source
	series       *candle.Series
	coin         string
	interval     candle.Interval
	pollInterval time.Duration
	logger       zerolog.Logger

	mu        sync.Mutex
	onCandle  OnCandle
	streaming bool

	rejected atomic.Int64
	dropped  atomic.Int64
}

// New builds an ingestor with a rolling buffer of bufferBars candles.
func New(source Source, coin string, interval candle.Interval, bufferBars int, pollInterval time.Duration, logger zerolog.Logger) *Ingestor {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Ingestor{
		source:       source,
		series:       candle.NewSeries(coin, interval, bufferBars),
		coin:         coin,
		interval:     interval,
		pollInterval: pollInterval,
		logger: logger.With().
			Str("component", "ingest").
			Str("coin", coin).
			Str("interval", interval.String()).
			Logger(),
	}
}

// Series exposes the owned sequence; readers take snapshots.
func (in *Ingestor) Series() *candle.Series {
	return in.series
}

// Rejected counts out-of-order candles refused since start.
func (in *Ingestor) Rejected() int64 { return in.rejected.Load() }

// Dropped counts candles discarded by validation since start.
func (in *Ingestor) Dropped() int64 { return in.dropped.Load() }

// Warmup seeds the sequence with the last bars of history. Candles failing
// validation are dropped and counted; the rest are retained. Returns the
// number of bars seeded.
func (in *Ingestor) Warmup(ctx context.Context, bars int) (int, error) {
	if bars <= 0 {
		return 0, fmt.Errorf("warmup bars must be > 0, got %d", bars)
	}
	ivMs := in.interval.Millis()
	now := time.Now().UnixMilli()
	start := candle.AlignDown(now, in.interval) - int64(bars)*ivMs
	end := now + ivMs

	fetched, err := in.source.FetchCandles(ctx, in.coin, in.interval, start, end)
	if err != nil {
		return 0, fmt.Errorf("warmup fetch: %w", err)
	}

	valid := make([]candle.Candle, 0, len(fetched))
	lastT := int64(0)
	for _, c := range fetched {
		if err := c.Validate(); err != nil {
			in.dropped.Add(1)
			in.logger.Warn().Err(err).Msg("dropping invalid warmup candle")
			continue
		}
		if len(valid) > 0 && c.T <= lastT {
			in.rejected.Add(1)
			in.logger.Warn().Int64("t", c.T).Int64("last", lastT).Msg("dropping out-of-order warmup candle")
			continue
		}
		valid = append(valid, c)
		lastT = c.T
	}

	in.series.SeedFrom(valid)
	in.logger.Info().Int("bars", len(valid)).Int("fetched", len(fetched)).Msg("warmup complete")
	return len(valid), nil
}

// Poll fetches everything from the in-progress bucket forward and applies
// it. Equal T replaces the open bar, greater T appends. Returns the newest
// accepted candle, or nil when the venue had nothing new.
func (in *Ingestor) Poll(ctx context.Context) (*candle.Candle, error) {
	ivMs := in.interval.Millis()
	now := time.Now().UnixMilli()

	from := in.series.LastT()
	if from == 0 {
		from = candle.AlignDown(now, in.interval)
	}

	fetched, err := in.source.FetchCandles(ctx, in.coin, in.interval, from, now+ivMs)
	if err != nil {
		return nil, fmt.Errorf("poll fetch: %w", err)
	}
	if len(fetched) == 0 {
		return nil, nil
	}

	var latest *candle.Candle
	for _, c := range fetched {
		if in.apply(c) {
			accepted := c
			latest = &accepted
		}
	}
	return latest, nil
}

// StreamLive subscribes to the push feed and starts the poll safety net
// that backfills any gap a reconnect leaves. onCandle observes every
// accepted update in order.
func (in *Ingestor) StreamLive(ctx context.Context, onCandle OnCandle) error {
	in.mu.Lock()
	if in.streaming {
		in.mu.Unlock()
		return ErrAlreadyStreaming
	}
	in.streaming = true
	in.onCandle = onCandle
	in.mu.Unlock()

	if err := in.source.SubscribeCandles(ctx, in.coin, in.interval, func(c candle.Candle) {
		in.apply(c)
	}); err != nil {
		in.mu.Lock()
		in.streaming = false
		in.onCandle = nil
		in.mu.Unlock()
		return fmt.Errorf("subscribe candles: %w", err)
	}

	go in.pollLoop(ctx)
	in.logger.Info().Msg("live stream started")
	return nil
}

func (in *Ingestor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(in.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := in.Poll(ctx); err != nil {
				in.logger.Warn().Err(err).Msg("poll failed")
			}
		}
	}
}

// apply merges one update into the sequence and emits notifications.
// Emission happens under the lock: each closed bar is announced exactly
// once and observers see updates in acceptance order.
func (in *Ingestor) apply(c candle.Candle) bool {
	if err := c.Validate(); err != nil {
		in.dropped.Add(1)
		in.logger.Warn().Err(err).Msg("dropping invalid candle update")
		return false
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	lastT := in.series.LastT()
	switch {
	case lastT != 0 && c.T < lastT:
		in.rejected.Add(1)
		in.logger.Warn().Int64("t", c.T).Int64("last", lastT).Msg("rejecting out-of-order candle")
		return false
	case lastT != 0 && c.T > lastT:
		// The previous bar just closed; announce its final state first.
		if prev, ok := in.series.Last(); ok && in.onCandle != nil {
			in.onCandle(prev, true)
		}
	}

	in.series.Upsert(c)
	if in.onCandle != nil {
		in.onCandle(c, false)
	}
	return true
}
