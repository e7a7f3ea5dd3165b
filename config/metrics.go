package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the reconciliation engine. Exposed on /metrics
// via promhttp in server main.

var (
	EventsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamecash",
		Name:      "events_ingested_total",
		Help:      "Telemetry events accepted, by kind.",
	}, []string{"kind"})

	EventsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gamecash",
		Name:      "events_duplicate_total",
		Help:      "Ingestion calls short-circuited by an existing idempotency key.",
	})

	ReportsMaterializedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamecash",
		Name:      "reports_materialized_total",
		Help:      "Daily reports written by the materializer, by outcome (created|merged).",
	}, []string{"outcome"})

	MaterializeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gamecash",
		Name:      "materialize_duration_seconds",
		Help:      "Wall time of one materialization batch.",
		Buckets:   prometheus.DefBuckets,
	})

	// EventsStuck is the count of events at the retry cap, refreshed by the
	// dispatcher on each poll. Non-zero values page the operator runbook.
	EventsStuck = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gamecash",
		Name:      "events_stuck",
		Help:      "Unprocessed events that exhausted their retry budget.",
	})

	ReconciliationTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamecash",
		Name:      "reconciliation_transitions_total",
		Help:      "Audited report status transitions, by target status.",
	}, []string{"status"})
)
