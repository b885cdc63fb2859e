// Package metrics holds the Prometheus collectors of the credit engine.
// Collectors register with the default registry on package init and are
// served by the HTTP adapter at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "credit_engine"

// ─── Journal ────────────────────────────────────────────────────────────────

var JournalAppends = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "journal",
	Name:      "appends_total",
	Help:      "Append calls by outcome (committed, replayed, conflict, invalid, durability).",
}, []string{"outcome"})

var JournalEvents = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "journal",
	Name:      "events_total",
	Help:      "Events durably committed since start.",
})

var JournalAppendSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "journal",
	Name:      "append_duration_seconds",
	Help:      "Latency of a durable append (write plus fsync).",
	Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
})

var JournalHead = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "journal",
	Name:      "head_sequence",
	Help:      "Sequence number of the last committed event.",
})

var JournalRecoveries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "journal",
	Name:      "recovered_truncations_total",
	Help:      "Trailing incomplete records discarded during crash recovery.",
})

// ─── Ledger ─────────────────────────────────────────────────────────────────

var Commands = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "commands_total",
	Help:      "Ledger commands by operation and result.",
}, []string{"op", "result"})

var CommandRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "command_retries_total",
	Help:      "Retries after a stale snapshot or durability failure.",
}, []string{"op"})

// ─── Bus ────────────────────────────────────────────────────────────────────

var BusDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "bus",
	Name:      "delivered_events_total",
	Help:      "Events handed to each subscriber.",
}, []string{"subscriber"})

var BusOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "bus",
	Name:      "mailbox_overflows_total",
	Help:      "Publishes dropped from a full mailbox and later backfilled from the journal.",
}, []string{"subscriber"})

var BusHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "bus",
	Name:      "handler_errors_total",
	Help:      "Subscriber handler failures, including recovered panics.",
}, []string{"subscriber"})

// ─── Lifecycle ──────────────────────────────────────────────────────────────

var TaxCollected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "lifecycle",
	Name:      "tax_collected_credits_total",
	Help:      "Existence tax collected, in credits.",
})

var TaxOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "lifecycle",
	Name:      "tax_outcomes_total",
	Help:      "Per-entity tax batch outcomes (taxed, suspended, terminated, skipped).",
}, []string{"outcome"})

var Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "lifecycle",
	Name:      "transitions_total",
	Help:      "Entity lifecycle transitions by target status.",
}, []string{"to"})

// ─── Integrity ──────────────────────────────────────────────────────────────

var IntegrityViolations = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "integrity",
	Name:      "violations",
	Help:      "Violations found by the most recent verification run.",
})

var Degraded = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "integrity",
	Name:      "degraded",
	Help:      "1 while the last verification found violations.",
})

// ─── Publish ────────────────────────────────────────────────────────────────

var Published = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "publish",
	Name:      "events_total",
	Help:      "Outbound hook deliveries by result (ok, failed).",
}, []string{"result"})
