package indicator

import (
	"fmt"

	"github.com/EduKegler/breaker-sub003/internal/candle"
)

// Channel is a banded indicator output, index-aligned to the input candles.
type Channel struct {
	Upper []float64
	Mid   []float64
	Lower []float64
}

// Donchian returns the rolling highest high and lowest low over the last
// `period` bars, with mid the average of the two. Warmup is period-1; a
// period of 1 tracks each bar's own high and low.
func Donchian(candles []candle.Candle, period int) (Channel, error) {
	if period < 1 {
		return Channel{}, fmt.Errorf("donchian: period %d < 1", period)
	}
	n := len(candles)
	ch := Channel{Upper: nanSlice(n), Mid: nanSlice(n), Lower: nanSlice(n)}
	for i := period - 1; i < n; i++ {
		hi := candles[i].H
		lo := candles[i].L
		for j := i - period + 1; j < i; j++ {
			if candles[j].H > hi {
				hi = candles[j].H
			}
			if candles[j].L < lo {
				lo = candles[j].L
			}
		}
		ch.Upper[i] = hi
		ch.Lower[i] = lo
		ch.Mid[i] = (hi + lo) / 2
	}
	return ch, nil
}

// Keltner centers on an EMA of closes and widens by mult times an EMA of the
// true range. The width deliberately smooths raw TR rather than ATR, so the
// band reacts to volatility spikes one Wilder-step sooner.
func Keltner(candles []candle.Candle, emaPeriod, trPeriod int, mult float64) (Channel, error) {
	if emaPeriod < 1 {
		return Channel{}, fmt.Errorf("keltner: ema period %d < 1", emaPeriod)
	}
	if trPeriod < 1 {
		return Channel{}, fmt.Errorf("keltner: tr period %d < 1", trPeriod)
	}
	n := len(candles)
	closes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.C
	}
	mid, err := EMA(closes, emaPeriod)
	if err != nil {
		return Channel{}, err
	}
	trEMA, err := EMA(TrueRanges(candles), trPeriod)
	if err != nil {
		return Channel{}, err
	}
	ch := Channel{Upper: nanSlice(n), Mid: mid, Lower: nanSlice(n)}
	for i := 0; i < n; i++ {
		// NaN from either EMA propagates into the bands.
		hw := mult * trEMA[i]
		ch.Upper[i] = mid[i] + hw
		ch.Lower[i] = mid[i] - hw
	}
	return ch, nil
}
