// Package metrics exposes Prometheus instrumentation for the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OutboxAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_outbox_attempts_total",
		Help: "Mutation replay attempts, successful or not.",
	})
	OutboxDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_outbox_dropped_total",
		Help: "Mutations dropped as non-retryable.",
	})
	OutboxRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_outbox_retries_total",
		Help: "Mutations rescheduled after a retryable failure.",
	})

	UploadAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_upload_attempts_total",
		Help: "Image upload replay attempts.",
	})
	UploadFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_upload_failures_total",
		Help: "Image upload attempts that failed and were rescheduled.",
	})

	BridgePublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_bridge_published_total",
		Help: "Document updates published to the replication channel.",
	})
	BridgeAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_bridge_applied_total",
		Help: "Replicated updates applied to locally registered documents.",
	})

	RegisteredDocs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notesync_relay_registered_docs",
		Help: "Documents currently held live by this relay instance.",
	})
)
