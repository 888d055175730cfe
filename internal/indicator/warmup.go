package indicator

import (
	"fmt"

	"github.com/EduKegler/breaker-sub003/internal/candle"
)

// MinWarmupBars returns how many closed source-interval bars a strategy
// needs buffered before every interval it consumes is stable.
//
// The requirement for the source interval itself is taken as-is. For a
// higher timeframe needing M bars, each target bar consumes
// ceil(target/source) source bars, padded by 20% because the leading
// aggregated bucket may be partial. The overall answer is the maximum
// across intervals.
func MinWarmupBars(source candle.Interval, needs map[candle.Interval]int) (int, error) {
	srcMs := source.Millis()
	if srcMs == 0 {
		return 0, fmt.Errorf("warmup: unknown source interval %q", source)
	}
	max := 0
	for iv, bars := range needs {
		if bars < 0 {
			return 0, fmt.Errorf("warmup: negative requirement %d for %s", bars, iv)
		}
		ivMs := iv.Millis()
		if ivMs == 0 {
			return 0, fmt.Errorf("warmup: unknown interval %q", iv)
		}
		if ivMs < srcMs {
			return 0, fmt.Errorf("warmup: interval %s is below source %s", iv, source)
		}
		need := bars
		if ivMs > srcMs {
			mult := (ivMs + srcMs - 1) / srcMs
			// ceil(bars * mult * 6/5) without touching floats.
			need = int((int64(bars)*mult*6 + 4) / 5)
		}
		if need > max {
			max = need
		}
	}
	return max, nil
}
