package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
)

// candleSnapshot returns at most this many bars per call; longer warmups
// paginate.
const hlSnapshotLimit = 5000

const hlMaxPages = 40

// HyperliquidSource feeds candles from the venue's info endpoint and its
// WebSocket candle channel. One source multiplexes all (coin, interval)
// subscriptions over the shared stream.
type HyperliquidSource struct {
	info   *hyperliquid.InfoClient
	stream *hyperliquid.Stream
	logger zerolog.Logger

	mu       sync.Mutex
	handlers map[string]func(candle.Candle)
}

// NewHyperliquidSource wires the source to a shared stream. The stream's
// candle callback is claimed here; its lifecycle (Start/Stop) stays with the
// caller. A nil stream leaves the source REST-only.
func NewHyperliquidSource(info *hyperliquid.InfoClient, stream *hyperliquid.Stream, logger zerolog.Logger) *HyperliquidSource {
	s := &HyperliquidSource{
		info:     info,
		stream:   stream,
		logger:   logger.With().Str("component", "hl-source").Logger(),
		handlers: make(map[string]func(candle.Candle)),
	}
	if stream != nil {
		stream.SetCandleCallback(s.dispatch)
	}
	return s
}

// FetchCandles pages through candleSnapshot until the window is covered.
func (s *HyperliquidSource) FetchCandles(ctx context.Context, coin string, interval candle.Interval, startMs, endMs int64) ([]candle.Candle, error) {
	ivMs := interval.Millis()
	if ivMs == 0 {
		return nil, fmt.Errorf("unknown interval %q", interval)
	}

	var out []candle.Candle
	cursor := startMs
	for page := 0; page < hlMaxPages && cursor < endMs; page++ {
		wires, err := s.info.CandleSnapshot(ctx, coin, interval.String(), cursor, endMs)
		if err != nil {
			return nil, err
		}
		if len(wires) == 0 {
			break
		}
		for _, w := range wires {
			if w.OpenTime < cursor || w.OpenTime >= endMs {
				continue
			}
			out = append(out, wireToCandle(w))
		}
		last := wires[len(wires)-1].OpenTime
		if last+ivMs <= cursor {
			break
		}
		cursor = last + ivMs
		if len(wires) < hlSnapshotLimit {
			break
		}
	}
	return out, nil
}

// SubscribeCandles registers the handler and adds the stream subscription.
func (s *HyperliquidSource) SubscribeCandles(ctx context.Context, coin string, interval candle.Interval, onUpdate func(candle.Candle)) error {
	if s.stream == nil {
		return fmt.Errorf("hyperliquid source has no stream configured")
	}
	s.mu.Lock()
	s.handlers[subKey(coin, interval.String())] = onUpdate
	s.mu.Unlock()
	return s.stream.SubscribeCandles(coin, interval.String())
}

func (s *HyperliquidSource) dispatch(w hyperliquid.WireCandle) {
	s.mu.Lock()
	h := s.handlers[subKey(w.Symbol, w.Interval)]
	s.mu.Unlock()
	if h == nil {
		s.logger.Debug().Str("coin", w.Symbol).Str("interval", w.Interval).Msg("candle update without handler")
		return
	}
	h(wireToCandle(w))
}

func subKey(coin, interval string) string {
	return coin + "|" + interval
}

func wireToCandle(w hyperliquid.WireCandle) candle.Candle {
	return candle.Candle{
		T: w.OpenTime,
		O: w.Open,
		H: w.High,
		L: w.Low,
		C: w.Close,
		V: w.Volume,
		N: w.Trades,
	}
}
