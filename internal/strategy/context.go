package strategy

import (
	"github.com/EduKegler/breaker-sub003/internal/candle"
)

// PositionSummary is the strategy-visible view of the open position on the
// symbol being evaluated, nil when flat.
type PositionSummary struct {
	Direction  Direction
	EntryPrice float64
	EntryBar   int
}

// RiskCounters feed the guardrail checks and let strategies modulate
// behavior after losses. Live they come from persisted trade history,
// in backtests from the engine's own accounting.
type RiskCounters struct {
	DailyPnlR         float64
	TradesToday       int
	BarsSinceExit     int
	ConsecutiveLosses int
}

// Context carries everything a strategy may look at for one bar. Candles up
// to and including Index are visible; later entries exist only in backtests
// and reading them would be lookahead, so strategies go through Window.
type Context struct {
	Candles  []candle.Candle
	Index    int
	HTF      map[candle.Interval][]candle.Candle
	Position *PositionSummary
	Counters RiskCounters
}

// Current returns the bar being evaluated.
func (c *Context) Current() candle.Candle {
	return c.Candles[c.Index]
}

// CurrentClose returns the close of the bar being evaluated.
func (c *Context) CurrentClose() float64 {
	return c.Candles[c.Index].C
}

// Window returns the candles visible at this bar, oldest first.
func (c *Context) Window() []candle.Candle {
	return c.Candles[:c.Index+1]
}

// Timeframe returns the aggregated candles for one higher timeframe, nil
// when the runtime was not asked to carry it.
func (c *Context) Timeframe(iv candle.Interval) []candle.Candle {
	if c.HTF == nil {
		return nil
	}
	return c.HTF[iv]
}
