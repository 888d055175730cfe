package hyperliquid

import "testing"

func trigger(oid int64, price float64) OpenOrder {
	return OpenOrder{OrderID: oid, Symbol: "BTC", Price: price, TriggerPrice: price, Size: 1, ReduceOnly: true, IsTrigger: true}
}

func reduceLimit(oid int64, price, size float64) OpenOrder {
	return OpenOrder{OrderID: oid, Symbol: "BTC", Price: price, Size: size, ReduceOnly: true}
}

func TestClassifySingleTriggerIsStopLoss(t *testing.T) {
	rec := ClassifyProtectiveOrders([]OpenOrder{trigger(1, 26000)}, 1.0, "long")
	if rec.StopLoss == nil || rec.StopLoss.OrderID != 1 {
		t.Fatalf("Expected order 1 as stop loss, got %+v", rec.StopLoss)
	}
	if rec.TrailStop != nil {
		t.Errorf("Expected no trailing stop, got %+v", rec.TrailStop)
	}
}

func TestClassifyTwoTriggersLong(t *testing.T) {
	orders := []OpenOrder{trigger(2, 27500), trigger(1, 26000)}
	rec := ClassifyProtectiveOrders(orders, 1.0, "long")
	if rec.StopLoss == nil || rec.StopLoss.TriggerPrice != 26000 {
		t.Errorf("Expected lower trigger as fixed stop, got %+v", rec.StopLoss)
	}
	if rec.TrailStop == nil || rec.TrailStop.TriggerPrice != 27500 {
		t.Errorf("Expected higher trigger as trailing stop, got %+v", rec.TrailStop)
	}
}

func TestClassifyTwoTriggersShort(t *testing.T) {
	orders := []OpenOrder{trigger(1, 26000), trigger(2, 27500)}
	rec := ClassifyProtectiveOrders(orders, 1.0, "short")
	if rec.StopLoss == nil || rec.StopLoss.TriggerPrice != 27500 {
		t.Errorf("Expected higher trigger as fixed stop for short, got %+v", rec.StopLoss)
	}
	if rec.TrailStop == nil || rec.TrailStop.TriggerPrice != 26000 {
		t.Errorf("Expected lower trigger as trailing stop for short, got %+v", rec.TrailStop)
	}
}

func TestClassifyUnknownDirectionTakesFirstTrigger(t *testing.T) {
	orders := []OpenOrder{trigger(7, 27500), trigger(8, 26000)}
	rec := ClassifyProtectiveOrders(orders, 1.0, "")
	if rec.StopLoss == nil || rec.StopLoss.OrderID != 7 {
		t.Errorf("Expected first listed trigger as stop, got %+v", rec.StopLoss)
	}
	if rec.TrailStop != nil {
		t.Errorf("Expected no trailing stop without direction, got %+v", rec.TrailStop)
	}
}

func TestClassifyReduceOnlyLimitsBecomeTakeProfits(t *testing.T) {
	orders := []OpenOrder{
		reduceLimit(3, 29000, 0.5),
		reduceLimit(2, 28000, 0.25),
		trigger(1, 26000),
		{OrderID: 4, Symbol: "BTC", Price: 27100, Size: 1, ReduceOnly: false}, // plain limit, not protective
	}
	rec := ClassifyProtectiveOrders(orders, 1.0, "long")

	if len(rec.TakeProfits) != 2 {
		t.Fatalf("Expected 2 take profits, got %d", len(rec.TakeProfits))
	}
	if rec.TakeProfits[0].Order.Price != 28000 || rec.TakeProfits[1].Order.Price != 29000 {
		t.Errorf("Expected take profits sorted by price, got %v then %v",
			rec.TakeProfits[0].Order.Price, rec.TakeProfits[1].Order.Price)
	}
	if rec.TakeProfits[0].PctOfPosition != 0.25 || rec.TakeProfits[1].PctOfPosition != 0.5 {
		t.Errorf("Expected pcts 0.25 and 0.5, got %v and %v",
			rec.TakeProfits[0].PctOfPosition, rec.TakeProfits[1].PctOfPosition)
	}
}

func TestClassifyZeroPositionSizeAvoidsDivideByZero(t *testing.T) {
	rec := ClassifyProtectiveOrders([]OpenOrder{reduceLimit(1, 28000, 0.5)}, 0, "long")
	if len(rec.TakeProfits) != 1 {
		t.Fatalf("Expected 1 take profit, got %d", len(rec.TakeProfits))
	}
	if rec.TakeProfits[0].PctOfPosition != 0 {
		t.Errorf("Expected pct 0 for zero position size, got %v", rec.TakeProfits[0].PctOfPosition)
	}
}

func TestClassifyNoOrders(t *testing.T) {
	rec := ClassifyProtectiveOrders(nil, 1.0, "long")
	if rec.StopLoss != nil || rec.TrailStop != nil || len(rec.TakeProfits) != 0 {
		t.Errorf("Expected empty recovery, got %+v", rec)
	}
}
