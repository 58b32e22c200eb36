// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Kernel metrics
	BusEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highway_bus_events_total",
			Help: "Events per subscription by delivery result",
		},
		[]string{"subscription", "result"}, // handled, failed, dropped
	)

	// Driver metrics
	DriverUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highway_driver_updates_total",
			Help: "Gateway updates by dispatch type and what the driver did with them",
		},
		[]string{"type", "result"}, // published, filtered, ignored, failed, dropped
	)

	// Cache metrics
	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highway_cache_events_total",
			Help: "Message cache mutations applied from the event stream",
		},
		[]string{"kind"}, // add, update, delete, bulk_delete
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "highway_cache_evictions_total",
			Help: "Messages evicted from full channel windows",
		},
	)

	WebhookProvisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highway_webhook_provisions_total",
			Help: "Webhook cache misses by how they were resolved",
		},
		[]string{"result"}, // reused, created, failed
	)

	WebhookInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "highway_webhook_invalidations_total",
			Help: "Cached webhooks evicted after the platform stopped listing them",
		},
	)

	// Migration metrics
	Migrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highway_migrations_total",
			Help: "Finished migration runs by outcome",
		},
		[]string{"outcome"},
	)

	MessagesReplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "highway_messages_replicated_total",
			Help: "Replicas posted through webhooks",
		},
	)

	ConsentSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highway_consent_sessions_total",
			Help: "Consent sessions by outcome",
		},
		[]string{"outcome"},
	)

	MigrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "highway_migration_duration_seconds",
			Help:    "Wall time of migration runs, consent wait included",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
		},
	)
)
