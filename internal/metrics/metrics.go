// Package metrics holds the daemon's prometheus instruments. Labels are kept
// low-cardinality: camera ids and alert ids never become label values.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdsense_events_received_total",
		Help: "Events delivered by the event source, by kind",
	}, []string{"kind"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdsense_frames_dropped_total",
		Help: "Transport frames that failed to decode",
	}, []string{"reason"})

	AlertsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdsense_alerts_ingested_total",
		Help: "Alerts accepted into the feed",
	}, []string{"type", "severity"})

	AlertsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crowdsense_alerts_evicted_total",
		Help: "Alerts dropped from the live feed at capacity",
	})

	Diagnostics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdsense_diagnostics_total",
		Help: "Semantic faults recorded by the store",
	}, []string{"kind"})

	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crowdsense_source_connected",
		Help: "1 while the event source transport is up",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crowdsense_source_reconnects_total",
		Help: "Reconnect attempts made by the event source",
	})

	HistoryQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdsense_history_queries_total",
		Help: "Historical queries by outcome (ready, failed, stale)",
	}, []string{"outcome"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crowdsense_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	HistoryQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crowdsense_history_query_seconds",
		Help:    "Latency of historical detection queries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	SnapshotsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crowdsense_snapshots_published_total",
		Help: "Snapshots published to observers",
	})

	SnapshotsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crowdsense_snapshots_dropped_total",
		Help: "Snapshots skipped for observers that were not keeping up",
	})

	PersistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdsense_persist_errors_total",
		Help: "Failed persistence writes by key",
	}, []string{"key"})

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crowdsense_ws_clients",
		Help: "Dashboard websocket clients connected",
	})
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
