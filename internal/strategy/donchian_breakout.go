package strategy

import (
	"fmt"
	"math"

	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/indicator"
)

func init() {
	Register("donchian-breakout", NewDonchianBreakout)
}

func donchianDefaults() Params {
	return Params{
		"period":     {Value: 20, Min: 10, Max: 55, Step: 5, Optimizable: true},
		"atr_period": {Value: 14, Min: 7, Max: 28, Step: 7, Optimizable: true},
		"atr_mult":   {Value: 2, Min: 1, Max: 4, Step: 0.5, Optimizable: true},
		"tp1_r":      {Value: 1, Min: 0.5, Max: 3, Step: 0.5, Optimizable: true},
		"tp2_r":      {Value: 2, Min: 1, Max: 6, Step: 0.5, Optimizable: true},
	}
}

// DonchianBreakout goes long when the close breaks the previous bar's
// channel high and short on a break of the channel low. The stop sits an
// ATR multiple away; half the position exits at 1R-style target tp1_r, the
// rest at tp2_r. ShouldExit closes on a cross back through the mid channel.
type DonchianBreakout struct {
	params    Params
	period    int
	atrPeriod int
	atrMult   float64
	tp1R      float64
	tp2R      float64
}

// NewDonchianBreakout builds the strategy from parameter overrides.
func NewDonchianBreakout(overrides Params) (Strategy, error) {
	p, err := merge(donchianDefaults(), overrides)
	if err != nil {
		return nil, err
	}
	s := &DonchianBreakout{
		params:    p,
		period:    p.IntValue("period", 20),
		atrPeriod: p.IntValue("atr_period", 14),
		atrMult:   p.Value("atr_mult", 2),
		tp1R:      p.Value("tp1_r", 1),
		tp2R:      p.Value("tp2_r", 2),
	}
	if s.period < 2 {
		return nil, fmt.Errorf("period must be >= 2, got %d", s.period)
	}
	if s.atrPeriod < 1 {
		return nil, fmt.Errorf("atr_period must be >= 1, got %d", s.atrPeriod)
	}
	if s.atrMult <= 0 {
		return nil, fmt.Errorf("atr_mult must be > 0, got %v", s.atrMult)
	}
	if s.tp2R < s.tp1R {
		return nil, fmt.Errorf("tp2_r %v must be >= tp1_r %v", s.tp2R, s.tp1R)
	}
	return s, nil
}

func (s *DonchianBreakout) Name() string   { return "donchian-breakout" }
func (s *DonchianBreakout) Params() Params { return s.params }

func (s *DonchianBreakout) minBars() int {
	need := s.period
	if s.atrPeriod+1 > need {
		need = s.atrPeriod + 1
	}
	return need + 1
}

func (s *DonchianBreakout) WarmupBars() map[string]int {
	return map[string]int{"source": s.minBars() + 1}
}

func (s *DonchianBreakout) RequiredTimeframes() []candle.Interval { return nil }

func (s *DonchianBreakout) OnCandle(ctx *Context) (*Signal, error) {
	if ctx.Position != nil {
		return nil, nil
	}
	window := ctx.Window()
	if len(window) < s.minBars() {
		return nil, nil
	}

	ch, err := indicator.Donchian(window, s.period)
	if err != nil {
		return nil, err
	}
	atr, err := indicator.ATR(window, s.atrPeriod)
	if err != nil {
		return nil, err
	}

	i := len(window) - 1
	// The current bar is always inside its own channel; break against the
	// previous bar's extremes.
	upper, lower := ch.Upper[i-1], ch.Lower[i-1]
	dist := s.atrMult * atr[i]
	if math.IsNaN(upper) || math.IsNaN(lower) || math.IsNaN(dist) || dist <= 0 {
		return nil, nil
	}
	c := window[i].C

	switch {
	case c > upper:
		stop := c - dist
		if stop <= 0 {
			return nil, nil
		}
		return &Signal{
			Direction: DirectionLong,
			StopLoss:  stop,
			TakeProfits: []TakeProfit{
				{Price: c + s.tp1R*dist, PctOfPosition: 0.5},
				{Price: c + s.tp2R*dist, PctOfPosition: 0.5},
			},
			Comment: fmt.Sprintf("close %.5g broke %d-bar high %.5g", c, s.period, upper),
		}, nil
	case c < lower:
		stop := c + dist
		tp1 := c - s.tp1R*dist
		tp2 := c - s.tp2R*dist
		if tp2 <= 0 {
			return nil, nil
		}
		return &Signal{
			Direction: DirectionShort,
			StopLoss:  stop,
			TakeProfits: []TakeProfit{
				{Price: tp1, PctOfPosition: 0.5},
				{Price: tp2, PctOfPosition: 0.5},
			},
			Comment: fmt.Sprintf("close %.5g broke %d-bar low %.5g", c, s.period, lower),
		}, nil
	}
	return nil, nil
}

// ShouldExit abandons the trade when the close crosses back through the
// previous bar's mid channel against the position.
func (s *DonchianBreakout) ShouldExit(ctx *Context) (*ExitDecision, error) {
	if ctx.Position == nil {
		return nil, nil
	}
	window := ctx.Window()
	if len(window) < s.minBars() {
		return nil, nil
	}
	ch, err := indicator.Donchian(window, s.period)
	if err != nil {
		return nil, err
	}
	i := len(window) - 1
	mid := ch.Mid[i-1]
	if math.IsNaN(mid) {
		return nil, nil
	}
	c := window[i].C

	if ctx.Position.Direction == DirectionLong && c < mid {
		return &ExitDecision{Exit: true, Reason: "close crossed below mid channel"}, nil
	}
	if ctx.Position.Direction == DirectionShort && c > mid {
		return &ExitDecision{Exit: true, Reason: "close crossed above mid channel"}, nil
	}
	return nil, nil
}
