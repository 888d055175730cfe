// Package strategy defines the trading strategy contract shared by the
// backtest engine and the live runtime. Strategies are stateless across
// bars: everything they need arrives in the Context, and the same OnCandle
// call drives both engines.
package strategy

import (
	"fmt"

	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/numeric"
)

// Direction of a position or signal.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Sign returns +1 for long, -1 for short.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// TakeProfit is one partial exit level.
type TakeProfit struct {
	Price         float64 `json:"price"`
	PctOfPosition float64 `json:"pct_of_position"`
}

// Signal is a strategy's request to open a position. A nil EntryPrice means
// market at the current bar close. A positive TrailingStopDistance arms a
// trailing stop that ratchets behind favorable closes; the fixed StopLoss
// still protects the entry until the trail overtakes it.
type Signal struct {
	Direction            Direction    `json:"direction"`
	EntryPrice           *float64     `json:"entry_price,omitempty"`
	StopLoss             float64      `json:"stop_loss"`
	TakeProfits          []TakeProfit `json:"take_profits,omitempty"`
	TrailingStopDistance float64      `json:"trailing_stop_distance,omitempty"`
	Comment              string       `json:"comment,omitempty"`
}

// Entry resolves the entry price against the current market price.
func (s *Signal) Entry(currentPrice float64) float64 {
	if s.EntryPrice != nil {
		return *s.EntryPrice
	}
	return currentPrice
}

// Validate checks the signal invariants. For a long the stop must sit below
// the entry and every take profit above it; shorts are symmetric. Take
// profit fractions must each be positive and sum to at most 1.
func (s *Signal) Validate(currentPrice float64) error {
	if s.Direction != DirectionLong && s.Direction != DirectionShort {
		return fmt.Errorf("signal: unknown direction %q", s.Direction)
	}
	entry := s.Entry(currentPrice)
	if !numeric.IsFinite(entry) || entry <= 0 {
		return fmt.Errorf("signal: entry price %v invalid", entry)
	}
	if !numeric.IsFinite(s.StopLoss) || s.StopLoss <= 0 {
		return fmt.Errorf("signal: stop loss %v invalid", s.StopLoss)
	}

	if s.Direction == DirectionLong && s.StopLoss >= entry {
		return fmt.Errorf("signal: long stop loss %v not below entry %v", s.StopLoss, entry)
	}
	if s.Direction == DirectionShort && s.StopLoss <= entry {
		return fmt.Errorf("signal: short stop loss %v not above entry %v", s.StopLoss, entry)
	}

	var pctSum float64
	for i, tp := range s.TakeProfits {
		if !numeric.IsFinite(tp.Price) || tp.Price <= 0 {
			return fmt.Errorf("signal: take profit %d price %v invalid", i+1, tp.Price)
		}
		if s.Direction == DirectionLong && tp.Price <= entry {
			return fmt.Errorf("signal: long take profit %d price %v not above entry %v", i+1, tp.Price, entry)
		}
		if s.Direction == DirectionShort && tp.Price >= entry {
			return fmt.Errorf("signal: short take profit %d price %v not below entry %v", i+1, tp.Price, entry)
		}
		if tp.PctOfPosition <= 0 || tp.PctOfPosition > 1 {
			return fmt.Errorf("signal: take profit %d fraction %v outside (0, 1]", i+1, tp.PctOfPosition)
		}
		pctSum += tp.PctOfPosition
	}
	if pctSum > 1+1e-9 {
		return fmt.Errorf("signal: take profit fractions sum to %v, must be <= 1", pctSum)
	}

	if !numeric.IsFinite(s.TrailingStopDistance) || s.TrailingStopDistance < 0 {
		return fmt.Errorf("signal: trailing stop distance %v invalid", s.TrailingStopDistance)
	}
	return nil
}

// ExitDecision is an optional strategy-driven market exit.
type ExitDecision struct {
	Exit   bool
	Reason string
}

// Strategy is the contract both engines drive. OnCandle returns nil when
// the bar produces no signal. Implementations must be pure: no I/O, no
// cross-bar state, and the same Context must always produce the same result.
type Strategy interface {
	Name() string
	Params() Params
	// WarmupBars maps timeframe keys to the bars that timeframe needs
	// before OnCandle output is meaningful. The key "source" refers to the
	// interval the strategy is assigned to run on.
	WarmupBars() map[string]int
	// RequiredTimeframes lists the higher timeframes the Context must carry.
	RequiredTimeframes() []candle.Interval
	OnCandle(ctx *Context) (*Signal, error)
}

// ExitChecker is implemented by strategies that manage their own exits on
// top of the protective orders.
type ExitChecker interface {
	ShouldExit(ctx *Context) (*ExitDecision, error)
}

// TickSensitive is implemented by strategies that also want the in-progress
// bar on every update. Strategies without it are evaluated on closed bars
// only, so live behavior matches the backtest bar for bar.
type TickSensitive interface {
	WantsTicks() bool
}

// ResolveWarmup translates a strategy warmup table into concrete intervals,
// replacing the "source" key with the assigned interval. If both "source"
// and the same explicit interval appear, the larger requirement wins.
func ResolveWarmup(warmup map[string]int, source candle.Interval) (map[candle.Interval]int, error) {
	needs := make(map[candle.Interval]int, len(warmup))
	for key, bars := range warmup {
		iv := source
		if key != "source" {
			parsed, err := candle.ParseInterval(key)
			if err != nil {
				return nil, fmt.Errorf("warmup table: %w", err)
			}
			iv = parsed
		}
		if bars > needs[iv] {
			needs[iv] = bars
		}
	}
	return needs, nil
}
