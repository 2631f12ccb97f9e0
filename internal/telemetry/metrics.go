/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP API metrics.
var (
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_api_requests_total",
		Help: "Total HTTP API requests by method, endpoint, and status.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harmony_api_request_duration_seconds",
		Help:    "HTTP API request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harmony_api_active_connections",
		Help: "Currently active HTTP connections.",
	})

	APIWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harmony_api_websocket_connections",
		Help: "Currently open realtime WebSocket connections.",
	})
)

// Session engine metrics.
var (
	IntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_intents_total",
		Help: "Realtime intents handled, by intent type and ack code.",
	}, []string{"intent", "code"})

	QueueConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_queue_conflicts_total",
		Help: "Queue mutations rejected with a stale version.",
	})

	ReconcilerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_reconciler_runs_total",
		Help: "Reconciler tick executions by job.",
	}, []string{"job"})

	ReconcilerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_reconciler_failures_total",
		Help: "Per-group reconciler failures by job.",
	}, []string{"job"})
)

// Database metrics.
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harmony_db_query_duration_seconds",
		Help:    "Database operation duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_db_errors_total",
		Help: "Database errors by operation and kind.",
	}, []string{"operation", "kind"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harmony_db_connections_active",
		Help: "Open database connections.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
