package candle

import "fmt"

// Aggregate groups base candles into target-interval buckets aligned to UTC
// boundaries. Each bucket's open is the first open, high/low the extrema,
// close the last close, volume and trade count the sums, and T the bucket
// start. An incomplete trailing bucket is dropped: it is kept only when its
// final sub-bucket is present, so a live in-progress period never leaks into
// higher-timeframe history.
func Aggregate(base []Candle, baseInterval, targetInterval Interval) ([]Candle, error) {
	baseMs := baseInterval.Millis()
	targetMs := targetInterval.Millis()
	if baseMs == 0 || targetMs == 0 {
		return nil, fmt.Errorf("aggregate: unknown interval %q or %q", baseInterval, targetInterval)
	}
	if targetMs < baseMs {
		return nil, fmt.Errorf("aggregate: target %s shorter than base %s", targetInterval, baseInterval)
	}
	if len(base) == 0 {
		return nil, nil
	}

	var out []Candle
	var cur *Candle
	for _, b := range base {
		bucket := AlignDown(b.T, targetInterval)
		if cur == nil || bucket != cur.T {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &Candle{T: bucket, O: b.O, H: b.H, L: b.L, C: b.C, V: b.V, N: b.N}
			continue
		}
		if b.H > cur.H {
			cur.H = b.H
		}
		if b.L < cur.L {
			cur.L = b.L
		}
		cur.C = b.C
		cur.V += b.V
		cur.N += b.N
	}

	// The trailing bucket counts as complete only when the last base candle
	// is the bucket's final sub-bucket.
	last := base[len(base)-1]
	if last.T+baseMs >= cur.T+targetMs {
		out = append(out, *cur)
	}
	return out, nil
}
