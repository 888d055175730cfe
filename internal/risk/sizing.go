package risk

import (
	"fmt"
	"math"

	"github.com/EduKegler/breaker-sub003/internal/numeric"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

// Sizing modes.
const (
	SizingModeRisk = "risk" // size = riskPerTradeUsd / |entry - stop|
	SizingModeCash = "cash" // size = cashPerTradeUsd / entry
)

// Sizing converts a signal's price levels into a position size in base units.
type Sizing struct {
	Mode            string
	RiskPerTradeUsd float64
	CashPerTradeUsd float64
}

// ComputeSize returns the position size for the given entry and stop prices.
// A size that comes out zero, negative or non-finite is an error so callers
// never carry a degenerate order forward.
func (s Sizing) ComputeSize(entryPrice, stopLoss float64) (float64, error) {
	if !numeric.IsFinite(entryPrice) || entryPrice <= 0 {
		return 0, fmt.Errorf("sizing: entry price %v invalid", entryPrice)
	}

	var size float64
	switch s.Mode {
	case SizingModeCash:
		size = s.CashPerTradeUsd / entryPrice
	case SizingModeRisk, "":
		if !numeric.IsFinite(stopLoss) || stopLoss <= 0 {
			return 0, fmt.Errorf("sizing: stop loss %v invalid for risk sizing", stopLoss)
		}
		dist := math.Abs(entryPrice - stopLoss)
		if dist == 0 {
			return 0, fmt.Errorf("sizing: stop loss equals entry %v", entryPrice)
		}
		size = s.RiskPerTradeUsd / dist
	default:
		return 0, fmt.Errorf("sizing: unknown mode %q", s.Mode)
	}

	if !numeric.IsFinite(size) || size <= 0 {
		return 0, fmt.Errorf("sizing: computed size %v not positive", size)
	}
	return size, nil
}

// Intent is a fully sized order plan derived from a signal. It carries
// everything the executor needs to place the entry and its protective orders.
type Intent struct {
	Coin        string
	Direction   strategy.Direction
	Side        string // "buy" | "sell"
	Size        float64
	EntryPrice  float64
	StopLoss    float64
	TakeProfits []strategy.TakeProfit
	NotionalUsd float64
	Comment     string
}

// Translate sizes a validated signal against the current market price.
// Entry price falls back to currentPrice when the signal leaves it nil.
func Translate(sig *strategy.Signal, currentPrice float64, coin string, sizing Sizing) (*Intent, error) {
	if sig == nil {
		return nil, fmt.Errorf("translate: nil signal")
	}
	if err := sig.Validate(currentPrice); err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}

	entry := sig.Entry(currentPrice)
	size, err := sizing.ComputeSize(entry, sig.StopLoss)
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}

	side := "buy"
	if sig.Direction == strategy.DirectionShort {
		side = "sell"
	}

	return &Intent{
		Coin:        coin,
		Direction:   sig.Direction,
		Side:        side,
		Size:        size,
		EntryPrice:  entry,
		StopLoss:    sig.StopLoss,
		TakeProfits: sig.TakeProfits,
		NotionalUsd: size * entry,
		Comment:     sig.Comment,
	}, nil
}
