package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/EduKegler/breaker-sub003/internal/events"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CandlesClosed.WithLabelValues("BTC", "5m").Inc()
	m.OpenPositions.Set(2)
	m.AccountEquity.Set(10500.25)

	if got := testutil.ToFloat64(m.CandlesClosed.WithLabelValues("BTC", "5m")); got != 1 {
		t.Errorf("Expected candles closed 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.OpenPositions); got != 2 {
		t.Errorf("Expected open positions 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.AccountEquity); got != 10500.25 {
		t.Errorf("Expected equity 10500.25, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected registered metric families, got none")
	}
}

func TestObserveBusCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	bus := events.NewBus()
	m.ObserveBus(bus)

	bus.PublishSignalReceived("a1", "BTC", "donchian-breakout", "long", 50000)
	bus.PublishRiskCheckPassed("a1", "BTC", 1000)
	bus.PublishRiskCheckFailed("a2", "ETH", "max positions reached")
	bus.PublishOrderPlaced("BTC", "entry", "buy", 42, 50000, 0.02)
	bus.PublishPositionOpened("BTC", "donchian-breakout", "long", 50000, 0.02, 49000)
	bus.PublishPositionClosed("BTC", "donchian-breakout", "stop_loss", 49000, -20)
	bus.PublishReconcileOK("BTC", 3)
	bus.PublishReconcileDrift("ETH", "position_size", "venue 0.5 local 0.6")
	bus.PublishNotificationSent("telegram", "position opened")
	bus.PublishNotificationFailed("discord", "position opened", errors.New("webhook 500"))

	checks := []struct {
		name string
		get  func() float64
		want float64
	}{
		{"signals received", func() float64 {
			return testutil.ToFloat64(m.SignalsReceived.WithLabelValues("donchian-breakout"))
		}, 1},
		{"risk pass", func() float64 {
			return testutil.ToFloat64(m.RiskChecks.WithLabelValues("pass"))
		}, 1},
		{"risk fail", func() float64 {
			return testutil.ToFloat64(m.RiskChecks.WithLabelValues("fail"))
		}, 1},
		{"orders placed", func() float64 {
			return testutil.ToFloat64(m.OrdersPlaced.WithLabelValues("entry"))
		}, 1},
		{"positions opened", func() float64 {
			return testutil.ToFloat64(m.PositionsOpened)
		}, 1},
		{"positions closed", func() float64 {
			return testutil.ToFloat64(m.PositionsClosed.WithLabelValues("stop_loss"))
		}, 1},
		{"reconcile checks", func() float64 {
			return testutil.ToFloat64(m.ReconcileChecks)
		}, 1},
		{"reconcile drifts", func() float64 {
			return testutil.ToFloat64(m.ReconcileDrifts.WithLabelValues("position_size"))
		}, 1},
		{"notifications sent", func() float64 {
			return testutil.ToFloat64(m.Notifications.WithLabelValues("telegram", "sent"))
		}, 1},
		{"notifications failed", func() float64 {
			return testutil.ToFloat64(m.Notifications.WithLabelValues("discord", "failed"))
		}, 1},
	}

	// Bus delivery is asynchronous, so poll each counter up to a deadline.
	deadline := time.Now().Add(2 * time.Second)
	for _, c := range checks {
		for c.get() != c.want && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if got := c.get(); got != c.want {
			t.Errorf("Expected %s = %v, got %v", c.name, c.want, got)
		}
	}
}

func TestObserveBusMissingFields(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	bus := events.NewBus()
	m.ObserveBus(bus)

	// Events without the expected data keys still count, under "unknown".
	bus.Publish(events.Event{Type: events.EventOrderPlaced})

	get := func() float64 {
		return testutil.ToFloat64(m.OrdersPlaced.WithLabelValues("unknown"))
	}
	deadline := time.Now().Add(2 * time.Second)
	for get() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := get(); got != 1 {
		t.Errorf("Expected unlabeled order to count as unknown, got %v", got)
	}
}
