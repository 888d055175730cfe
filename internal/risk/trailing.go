package risk

import (
	"github.com/EduKegler/breaker-sub003/internal/numeric"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

// TrailingStop ratchets a stop level behind the best price seen since entry.
// For a long the stop only ever moves up, for a short only ever down; it
// never loosens. Both the backtest engine and the live runtime drive one of
// these per position, feeding it closed-bar prices.
type TrailingStop struct {
	direction strategy.Direction
	distance  float64
	watermark float64
	level     float64
}

// NewTrailingStop starts tracking from the entry price. A distance of zero
// or a non-finite input disables the tracker (Level stays 0, Observe no-ops).
func NewTrailingStop(direction strategy.Direction, entryPrice, distance float64) *TrailingStop {
	t := &TrailingStop{direction: direction}
	if distance <= 0 || !numeric.IsFinite(distance) || !numeric.IsFinite(entryPrice) {
		return t
	}
	t.distance = distance
	t.watermark = entryPrice
	t.level = initialLevel(direction, entryPrice, distance)
	return t
}

// Enabled reports whether the tracker carries a live trailing distance.
func (t *TrailingStop) Enabled() bool { return t.distance > 0 }

// Observe feeds one price (normally a bar close) into the tracker and
// reports whether the stop level moved.
func (t *TrailingStop) Observe(price float64) bool {
	if t.distance <= 0 || !numeric.IsFinite(price) || price <= 0 {
		return false
	}
	moved := false
	if t.direction == strategy.DirectionLong {
		if price > t.watermark {
			t.watermark = price
			if lvl := price - t.distance; lvl > t.level {
				t.level = lvl
				moved = true
			}
		}
	} else {
		if price < t.watermark {
			t.watermark = price
			if lvl := price + t.distance; lvl < t.level {
				t.level = lvl
				moved = true
			}
		}
	}
	return moved
}

// Level returns the current stop price, or 0 when disabled.
func (t *TrailingStop) Level() float64 {
	if t.distance <= 0 {
		return 0
	}
	return t.level
}

func initialLevel(direction strategy.Direction, entry, distance float64) float64 {
	if direction == strategy.DirectionLong {
		return entry - distance
	}
	return entry + distance
}
