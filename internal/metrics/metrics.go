// Package metrics exposes engine metrics for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"optionsbot/internal/resilience"
)

const namespace = "optionsbot"

// Metrics holds the engine collectors on their own registry.
type Metrics struct {
	registry *prometheus.Registry
	routes   map[string]http.Handler

	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	Signals       *prometheus.CounterVec
	Rejections    *prometheus.CounterVec
	Opened        *prometheus.CounterVec
	Exits         *prometheus.CounterVec
	LegFailures   prometheus.Counter

	OpenPositions prometheus.Gauge
	CapitalAtRisk prometheus.Gauge
	NetDelta      prometheus.Gauge
	NetTheta      prometheus.Gauge
	RealizedPnL   prometheus.Gauge
	VIX           prometheus.Gauge
	Regime        *prometheus.GaugeVec
	Breaker       *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		routes:   make(map[string]http.Handler),
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycles_total",
			Help:      "Evaluation cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of evaluation cycles",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "signals_total",
			Help:      "Signals emitted by the scanners",
		}, []string{"strategy"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "rejections_total",
			Help:      "Signals refused by a risk rule",
		}, []string{"rule"}),
		Opened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "positions_opened_total",
			Help:      "Positions opened",
		}, []string{"strategy"}),
		Exits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "exits_total",
			Help:      "Exit conditions triggered",
		}, []string{"state"}),
		LegFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "leg_failures_total",
			Help:      "Leg orders that failed",
		}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "open_positions",
			Help:      "Currently open positions",
		}),
		CapitalAtRisk: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "capital_at_risk_usd",
			Help:      "Sum of max risk over open positions",
		}),
		NetDelta: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "net_delta",
			Help:      "Heuristic net delta",
		}),
		NetTheta: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "net_theta",
			Help:      "Heuristic net theta per day",
		}),
		RealizedPnL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "realized_pnl_usd",
			Help:      "Total realized P&L from the ledger",
		}),
		VIX: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "regime",
			Name:      "vix",
			Help:      "Last VIX reading",
		}),
		Regime: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "regime",
			Name:      "state",
			Help:      "1 for the current volatility regime, 0 otherwise",
		}, []string{"state"}),
		Breaker: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),
	}
}

// SetRegime marks state as the only active regime among states.
func (m *Metrics) SetRegime(state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.Regime.WithLabelValues(s).Set(v)
	}
}

// ObserveBreaker records the state of a circuit breaker.
func (m *Metrics) ObserveBreaker(name string, state resilience.CircuitState) {
	v := 0.0
	switch state {
	case resilience.CircuitHalfOpen:
		v = 1
	case resilience.CircuitOpen:
		v = 2
	}
	m.Breaker.WithLabelValues(name).Set(v)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handle mounts h on pattern next to /metrics. Call before Serve.
func (m *Metrics) Handle(pattern string, h http.Handler) {
	m.routes[pattern] = h
}

// Serve runs the /metrics endpoint, plus any routes added with Handle, on
// addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	for pattern, h := range m.routes {
		mux.Handle(pattern, h)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
