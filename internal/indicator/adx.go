package indicator

import (
	"fmt"
	"math"

	"github.com/EduKegler/breaker-sub003/internal/candle"
)

// ADXResult carries the directional movement outputs, index-aligned to the
// input candles. PlusDI and MinusDI stabilise at index period-1, ADX at
// index 2*period-2.
type ADXResult struct {
	ADX     []float64
	PlusDI  []float64
	MinusDI []float64
}

// ADX computes Wilder's average directional index. All outputs are clamped
// to [0, 100] to absorb floating point drift.
func ADX(candles []candle.Candle, period int) (ADXResult, error) {
	if period < 1 {
		return ADXResult{}, fmt.Errorf("adx: period %d < 1", period)
	}
	n := len(candles)
	res := ADXResult{
		ADX:     nanSlice(n),
		PlusDI:  nanSlice(n),
		MinusDI: nanSlice(n),
	}
	if n < 2 || n < period {
		return res, nil
	}

	var smTR, smPlus, smMinus float64
	var adx float64
	dxCount := 0

	for i := 1; i < n; i++ {
		upMove := candles[i].H - candles[i-1].H
		downMove := candles[i-1].L - candles[i].L
		plusDM, minusDM := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := TrueRange(candles[i], candles[i-1].C, true)

		if i < period {
			// Accumulate the seed window.
			smTR += tr
			smPlus += plusDM
			smMinus += minusDM
			if i < period-1 {
				continue
			}
		} else {
			smTR = smTR - smTR/float64(period) + tr
			smPlus = smPlus - smPlus/float64(period) + plusDM
			smMinus = smMinus - smMinus/float64(period) + minusDM
		}

		var plusDI, minusDI float64
		if smTR > 0 {
			plusDI = clamp01x100(100 * smPlus / smTR)
			minusDI = clamp01x100(100 * smMinus / smTR)
		}
		res.PlusDI[i] = plusDI
		res.MinusDI[i] = minusDI

		dx := 0.0
		if sum := plusDI + minusDI; sum > 0 {
			dx = 100 * math.Abs(plusDI-minusDI) / sum
		}
		dxCount++
		if dxCount < period {
			adx += dx
			continue
		}
		if dxCount == period {
			adx = (adx + dx) / float64(period)
		} else {
			adx = (adx*float64(period-1) + dx) / float64(period)
		}
		res.ADX[i] = clamp01x100(adx)
	}
	return res, nil
}

func clamp01x100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
