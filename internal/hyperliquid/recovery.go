package hyperliquid

import "sort"

// RecoveredTakeProfit is a reduce-only limit reinterpreted as a take-profit
// level. PctOfPosition is the order size as a fraction of the position.
type RecoveredTakeProfit struct {
	Order         OpenOrder
	PctOfPosition float64
}

// RecoveredProtection is the protective intent rebuilt from resting orders
// when the daemon restarts with a live position but no local state.
type RecoveredProtection struct {
	StopLoss    *OpenOrder
	TrailStop   *OpenOrder
	TakeProfits []RecoveredTakeProfit
}

// ClassifyProtectiveOrders reconstructs which resting orders protect an open
// position. Trigger orders are stops: a single trigger is the fixed stop;
// with two triggers on a long the lower is the fixed stop and the higher the
// trailing stop (mirrored for shorts). If direction is unknown the first
// trigger is taken as the fixed stop and no trailing stop is inferred.
// Reduce-only non-trigger limits become take-profit levels sized relative to
// the position.
func ClassifyProtectiveOrders(orders []OpenOrder, positionSize float64, direction string) RecoveredProtection {
	var rec RecoveredProtection
	var triggers []OpenOrder
	for _, o := range orders {
		switch {
		case o.IsTrigger:
			triggers = append(triggers, o)
		case o.ReduceOnly:
			pct := 0.0
			if positionSize > 0 {
				pct = o.Size / positionSize
			}
			rec.TakeProfits = append(rec.TakeProfits, RecoveredTakeProfit{Order: o, PctOfPosition: pct})
		}
	}
	sort.Slice(rec.TakeProfits, func(i, j int) bool {
		return rec.TakeProfits[i].Order.Price < rec.TakeProfits[j].Order.Price
	})

	switch {
	case len(triggers) == 0:
	case len(triggers) == 1:
		t := triggers[0]
		rec.StopLoss = &t
	case direction != "long" && direction != "short":
		// Without a direction the lower/higher split is meaningless.
		first := triggers[0]
		rec.StopLoss = &first
	default:
		sort.Slice(triggers, func(i, j int) bool {
			return triggers[i].TriggerPrice < triggers[j].TriggerPrice
		})
		lo, hi := triggers[0], triggers[len(triggers)-1]
		if direction == "long" {
			rec.StopLoss = &lo
			rec.TrailStop = &hi
		} else {
			rec.StopLoss = &hi
			rec.TrailStop = &lo
		}
	}
	return rec
}
