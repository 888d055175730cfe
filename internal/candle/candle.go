// Package candle defines the OHLCV bar model shared by the ingestor, the
// indicator library, the backtest engine and the live runtime.
package candle

import (
	"fmt"
	"time"

	"github.com/EduKegler/breaker-sub003/internal/numeric"
)

// Candle is one OHLCV bar. T is epoch milliseconds UTC, aligned to the
// interval boundary. The most recent candle of a stream may be in-progress
// and its values mutate until a later T appears.
type Candle struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
	N int64   `json:"n"`
}

// Time returns the bar open time.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.T).UTC()
}

// Validate checks the bar invariants used by the ingestor: prices finite and
// positive, high not below low, volume non-negative.
func (c Candle) Validate() error {
	if !numeric.IsFinite(c.C) || c.C <= 0 {
		return fmt.Errorf("candle %d: close %v invalid", c.T, c.C)
	}
	if !numeric.IsFinite(c.O) || c.O <= 0 {
		return fmt.Errorf("candle %d: open %v invalid", c.T, c.O)
	}
	if !numeric.IsFinite(c.H) || !numeric.IsFinite(c.L) {
		return fmt.Errorf("candle %d: high/low not finite", c.T)
	}
	if c.H < c.L {
		return fmt.Errorf("candle %d: high %v < low %v", c.T, c.H, c.L)
	}
	if !numeric.IsFinite(c.V) || c.V < 0 {
		return fmt.Errorf("candle %d: volume %v invalid", c.T, c.V)
	}
	return nil
}

// Closes extracts the close series.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.C
	}
	return out
}

// AlignDown truncates t (epoch ms) to the start of its interval bucket.
func AlignDown(t int64, interval Interval) int64 {
	ms := interval.Millis()
	return t - (t % ms)
}
