package risk

import (
	"fmt"
	"math"
)

// AbsoluteNotionalCapUsd rejects any intent at or above this notional no
// matter what the deployment config allows.
const AbsoluteNotionalCapUsd = 100_000

// priceSanityTolerance is the maximum relative distance between the intent's
// entry price and the live market price.
const priceSanityTolerance = 0.05

// Limits are the configured guardrails, checked in a fixed priority order.
type Limits struct {
	MaxNotionalUsd   float64
	MaxLeverage      int
	MaxOpenPositions int
	MaxDailyLossUsd  float64
	MaxTradesPerDay  int
}

// AccountState carries the risk counters sampled when a signal arrives.
// DailyLossUsd accumulates losses as a positive number.
type AccountState struct {
	Leverage      int
	OpenPositions int
	DailyLossUsd  float64
	TradesToday   int
	CurrentPrice  float64
}

// Evaluate runs the guardrail checks against an intent and returns whether it
// may proceed, plus the first failing reason. The checks are pure and always
// run in the same order, so tightening any single limit can only move intents
// from pass to fail, never the other way.
func Evaluate(intent *Intent, state AccountState, limits Limits) (bool, string) {
	if intent.NotionalUsd > limits.MaxNotionalUsd {
		return false, fmt.Sprintf("Notional exceeds max: %.2f > %.2f", intent.NotionalUsd, limits.MaxNotionalUsd)
	}
	if state.Leverage > limits.MaxLeverage {
		return false, fmt.Sprintf("Leverage exceeds max: %dx > %dx", state.Leverage, limits.MaxLeverage)
	}
	if state.OpenPositions >= limits.MaxOpenPositions {
		return false, fmt.Sprintf("Max open positions reached (%d/%d)", state.OpenPositions, limits.MaxOpenPositions)
	}
	if state.DailyLossUsd >= limits.MaxDailyLossUsd {
		return false, fmt.Sprintf("Daily loss limit reached: %.2f >= %.2f", state.DailyLossUsd, limits.MaxDailyLossUsd)
	}
	if limits.MaxTradesPerDay == 0 {
		return false, "Trading disabled: max trades per day is 0"
	}
	if state.TradesToday >= limits.MaxTradesPerDay {
		return false, fmt.Sprintf("Daily trade limit reached (%d/%d)", state.TradesToday, limits.MaxTradesPerDay)
	}
	if intent.NotionalUsd >= AbsoluteNotionalCapUsd {
		return false, fmt.Sprintf("Notional %.2f exceeds absolute cap %.0f", intent.NotionalUsd, float64(AbsoluteNotionalCapUsd))
	}
	if state.CurrentPrice > 0 {
		dev := math.Abs(intent.EntryPrice-state.CurrentPrice) / state.CurrentPrice
		if dev > priceSanityTolerance {
			return false, fmt.Sprintf("Entry price %.4f deviates from market %.4f by %.1f%%", intent.EntryPrice, state.CurrentPrice, dev*100)
		}
	}
	return true, ""
}
