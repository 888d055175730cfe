package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EduKegler/breaker-sub003/internal/events"
)

// Metrics holds the Prometheus collectors for the trading daemon.
type Metrics struct {
	// Ingestion and strategy evaluation
	CandlesClosed    *prometheus.CounterVec // labels: coin, interval
	OnCandleDuration prometheus.Histogram
	DegradedBars     prometheus.Counter

	// Signal pipeline
	SignalsReceived *prometheus.CounterVec // labels: strategy
	RiskChecks      *prometheus.CounterVec // labels: outcome
	OrdersPlaced    *prometheus.CounterVec // labels: tag
	PositionsOpened prometheus.Counter
	PositionsClosed *prometheus.CounterVec // labels: reason

	// Account state, refreshed by the equity snapshot loop
	OpenPositions prometheus.Gauge
	AccountEquity prometheus.Gauge
	UnrealizedPnl prometheus.Gauge

	// Reconciler
	ReconcileChecks prometheus.Counter
	ReconcileDrifts *prometheus.CounterVec // labels: kind

	// Venue circuit breaker (0=closed, 1=open, 2=half-open)
	BreakerState prometheus.Gauge
	BreakerTrips prometheus.Counter

	// Outbound notifications
	Notifications *prometheus.CounterVec // labels: channel, outcome
}

// New builds and registers the collectors. main registers against
// prometheus.DefaultRegisterer so Handler serves them; tests pass a
// fresh prometheus.NewRegistry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CandlesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_candles_closed_total",
			Help: "Closed candles accepted into the live series",
		}, []string{"coin", "interval"}),
		OnCandleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_on_candle_duration_seconds",
			Help:    "Strategy OnCandle evaluation latency per closed bar",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		DegradedBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_degraded_bars_total",
			Help: "Closed bars whose evaluation exceeded the soft budget",
		}),

		SignalsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_received_total",
			Help: "Signals received per strategy, before the risk gate",
		}, []string{"strategy"}),
		RiskChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_risk_checks_total",
			Help: "Risk gate outcomes (pass, fail)",
		}, []string{"outcome"}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_placed_total",
			Help: "Orders placed on the venue per tag (entry, sl, tpN, trail)",
		}, []string{"tag"}),
		PositionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_positions_opened_total",
			Help: "Positions opened",
		}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_positions_closed_total",
			Help: "Positions closed per reason",
		}, []string{"reason"}),

		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Positions currently held in the book",
		}),
		AccountEquity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_account_equity_usd",
			Help: "Account equity in USD from the last snapshot",
		}),
		UnrealizedPnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_unrealized_pnl_usd",
			Help: "Aggregate unrealized PnL across open positions",
		}),

		ReconcileChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_reconcile_checks_total",
			Help: "Clean per-symbol reconciliation passes",
		}),
		ReconcileDrifts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_reconcile_drifts_total",
			Help: "Local/venue divergences detected per kind",
		}, []string{"kind"}),

		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_breaker_state",
			Help: "Venue circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_breaker_trips_total",
			Help: "Times the venue circuit breaker tripped open",
		}),

		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_notifications_total",
			Help: "Outbound notifications per channel and outcome",
		}, []string{"channel", "outcome"}),
	}

	reg.MustRegister(
		m.CandlesClosed,
		m.OnCandleDuration,
		m.DegradedBars,
		m.SignalsReceived,
		m.RiskChecks,
		m.OrdersPlaced,
		m.PositionsOpened,
		m.PositionsClosed,
		m.OpenPositions,
		m.AccountEquity,
		m.UnrealizedPnl,
		m.ReconcileChecks,
		m.ReconcileDrifts,
		m.BreakerState,
		m.BreakerTrips,
		m.Notifications,
	)

	return m
}

// ObserveBus derives the event counters from the bus so publishers never
// touch the metrics package directly.
func (m *Metrics) ObserveBus(bus *events.Bus) {
	bus.Subscribe(events.EventSignalReceived, func(e events.Event) {
		m.SignalsReceived.WithLabelValues(field(e, "strategy")).Inc()
	})
	bus.Subscribe(events.EventRiskCheckPassed, func(e events.Event) {
		m.RiskChecks.WithLabelValues("pass").Inc()
	})
	bus.Subscribe(events.EventRiskCheckFailed, func(e events.Event) {
		m.RiskChecks.WithLabelValues("fail").Inc()
	})
	bus.Subscribe(events.EventOrderPlaced, func(e events.Event) {
		m.OrdersPlaced.WithLabelValues(field(e, "tag")).Inc()
	})
	bus.Subscribe(events.EventPositionOpened, func(e events.Event) {
		m.PositionsOpened.Inc()
	})
	bus.Subscribe(events.EventPositionClosed, func(e events.Event) {
		m.PositionsClosed.WithLabelValues(field(e, "reason")).Inc()
	})
	bus.Subscribe(events.EventReconcileOK, func(e events.Event) {
		m.ReconcileChecks.Inc()
	})
	bus.Subscribe(events.EventReconcileDrift, func(e events.Event) {
		m.ReconcileDrifts.WithLabelValues(field(e, "kind")).Inc()
	})
	bus.Subscribe(events.EventNotificationSent, func(e events.Event) {
		m.Notifications.WithLabelValues(field(e, "channel"), "sent").Inc()
	})
	bus.Subscribe(events.EventNotificationFailed, func(e events.Event) {
		m.Notifications.WithLabelValues(field(e, "channel"), "failed").Inc()
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func field(e events.Event, key string) string {
	if v, ok := e.Data[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}
