// Package metrics exports the engine's Prometheus instrumentation.
//
// Everything countable lives here: candidate rejections by
// reason, apply failures by error kind, dropped events under back-pressure,
// and health gauges. The hot path only ever touches in-memory counters; the
// HTTP exposition runs on its own listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rejection reasons. Used as the "reason" label on SignalsRejected.
const (
	ReasonInsufficientVolume  = "insufficient_volume"
	ReasonCooldown            = "cooldown"
	ReasonBelowConfidence     = "below_confidence"
	ReasonAnomalyCritical     = "anomaly_critical"
	ReasonConfirmationTimeout = "confirmation_timeout"
	ReasonAdverseMove         = "adverse_move"
	ReasonIDGapResync         = "id_gap_resync"
	ReasonLowActivity         = "low_activity"
	ReasonNoDivergence        = "no_divergence"
	ReasonWeakCorrelation     = "weak_correlation"
)

// Error kinds. Used as the "kind" label on Errors.
const (
	ErrKindSync     = "sync"
	ErrKindData     = "data"
	ErrKindResource = "resource"
	ErrKindLogic    = "logic"
)

// Metrics bundles every collector the engine registers. A single instance is
// created at startup and threaded through the components.
type Metrics struct {
	registry *prometheus.Registry

	TradesProcessed  prometheus.Counter
	DiffsApplied     prometheus.Counter
	SignalsSubmitted *prometheus.CounterVec // by detector
	SignalsConfirmed *prometheus.CounterVec // by detector
	SignalsRejected  *prometheus.CounterVec // by reason
	AnomaliesFlagged *prometheus.CounterVec // by kind, severity
	Errors           *prometheus.CounterVec // by component, kind
	EventsDropped    *prometheus.CounterVec // by queue
	Resyncs          prometheus.Counter

	PendingConfirmations prometheus.Gauge
	BookLevels           prometheus.Gauge
	BookHealthy          prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TradesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_trades_processed_total",
			Help: "Aggressive trades consumed by the preprocessor.",
		}),
		DiffsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_depth_diffs_applied_total",
			Help: "Depth diffs applied to the order book.",
		}),
		SignalsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_signals_submitted_total",
			Help: "Signal candidates submitted to the coordinator.",
		}, []string{"detector"}),
		SignalsConfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_signals_confirmed_total",
			Help: "Signals that passed price confirmation and were emitted.",
		}, []string{"detector"}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_signals_rejected_total",
			Help: "Candidates rejected before emission.",
		}, []string{"reason"}),
		AnomaliesFlagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_anomalies_total",
			Help: "Market anomalies flagged by the monitor.",
		}, []string{"kind", "severity"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_errors_total",
			Help: "Errors by component and kind.",
		}, []string{"component", "kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_events_dropped_total",
			Help: "Events dropped under back-pressure, by queue.",
		}, []string{"queue"}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_book_resyncs_total",
			Help: "Order-book resynchronizations triggered by id gaps.",
		}),
		PendingConfirmations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderflow_pending_confirmations",
			Help: "Detections awaiting price confirmation.",
		}),
		BookLevels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderflow_book_levels",
			Help: "Populated price levels in the order book.",
		}),
		BookHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderflow_book_healthy",
			Help: "1 when the book is synced and the breaker closed, else 0.",
		}),
	}

	reg.MustRegister(
		m.TradesProcessed, m.DiffsApplied,
		m.SignalsSubmitted, m.SignalsConfirmed, m.SignalsRejected,
		m.AnomaliesFlagged, m.Errors, m.EventsDropped, m.Resyncs,
		m.PendingConfirmations, m.BookLevels, m.BookHealthy,
	)
	return m
}

// Handler returns the exposition handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
