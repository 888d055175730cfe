// Package indicator implements the technical indicators used by strategies.
//
// Every function is pure and deterministic: it takes a series (closes or
// candles) and returns an output aligned to the input length, with the first
// `warmup` elements set to NaN. Callers treat NaN as "not yet stable" and
// must not trade on it.
package indicator

import (
	"fmt"
	"math"

	"github.com/EduKegler/breaker-sub003/internal/candle"
)

// SMA returns the period-length simple moving average. Warmup is period-1.
func SMA(v []float64, period int) ([]float64, error) {
	if period < 1 {
		return nil, fmt.Errorf("sma: period %d < 1", period)
	}
	out := nanSlice(len(v))
	var sum float64
	for i := range v {
		sum += v[i]
		if i >= period {
			sum -= v[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out, nil
}

// EMA returns the exponential moving average with alpha = 2/(period+1),
// seeded with the first value. The first period-1 outputs are NaN: the
// recursion runs from the start but is not considered stable before a full
// period has passed.
func EMA(v []float64, period int) ([]float64, error) {
	if period < 1 {
		return nil, fmt.Errorf("ema: period %d < 1", period)
	}
	out := nanSlice(len(v))
	if len(v) == 0 {
		return out, nil
	}
	alpha := 2.0 / float64(period+1)
	ema := v[0]
	if period == 1 {
		out[0] = ema
	}
	for i := 1; i < len(v); i++ {
		ema = alpha*v[i] + (1-alpha)*ema
		if i >= period-1 {
			out[i] = ema
		}
	}
	return out, nil
}

// TrueRange computes max(h-l, |h-prevClose|, |l-prevClose|). With no
// previous candle the range collapses to h-l.
func TrueRange(c candle.Candle, prevClose float64, hasPrev bool) float64 {
	hl := c.H - c.L
	if !hasPrev {
		return hl
	}
	hc := math.Abs(c.H - prevClose)
	lc := math.Abs(c.L - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// TrueRanges returns the per-bar true range series (index 0 uses h-l).
func TrueRanges(candles []candle.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			out[i] = TrueRange(c, 0, false)
		} else {
			out[i] = TrueRange(c, candles[i-1].C, true)
		}
	}
	return out
}

// ATR seeds with the simple average of the first `period` true ranges that
// have a previous close (indices 1..period) and then applies Wilder
// smoothing. The first `period` outputs are NaN.
func ATR(candles []candle.Candle, period int) ([]float64, error) {
	if period < 1 {
		return nil, fmt.Errorf("atr: period %d < 1", period)
	}
	out := nanSlice(len(candles))
	if len(candles) <= period {
		return out, nil
	}
	tr := TrueRanges(candles)

	var sum float64
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	out[period] = atr
	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
		out[i] = atr
	}
	return out, nil
}

// RSI applies Wilder smoothing to up/down moves. An all-gain window reads
// 100, all-loss 0, a flat window 50. The first `period` outputs are NaN.
func RSI(v []float64, period int) ([]float64, error) {
	if period < 1 {
		return nil, fmt.Errorf("rsi: period %d < 1", period)
	}
	out := nanSlice(len(v))
	if len(v) <= period {
		return out, nil
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := v[i] - v[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(v); i++ {
		d := v[i] - v[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		avgGain = (avgGain*float64(period-1) + up) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + down) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out, nil
}

func rsiValue(avgGain, avgLoss float64) float64 {
	switch {
	case avgGain == 0 && avgLoss == 0:
		return 50
	case avgLoss == 0:
		return 100
	case avgGain == 0:
		return 0
	default:
		rs := avgGain / avgLoss
		return 100 - 100/(1+rs)
	}
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
