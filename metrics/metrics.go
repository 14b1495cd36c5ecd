package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_ingested_total",
			Help: "Total number of alerts ingested through the pipeline",
		},
		[]string{"status"},
	)

	AlertProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_alert_processing_duration_seconds",
			Help:    "Time taken to run one alert through the pipeline",
			Buckets: prometheus.DefBuckets,
		},
	)

	EnrichmentsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_enrichments_applied_total",
			Help: "Total number of mapping rule matches applied to alerts",
		},
		[]string{"kind"},
	)

	MatcherFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_matcher_fallbacks_total",
			Help: "Total number of matcher lookups served by the in-memory path",
		},
		[]string{"reason"},
	)

	MaintenanceMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_maintenance_matches_total",
			Help: "Total number of alerts matched by a maintenance window",
		},
		[]string{"outcome"},
	)

	ReconciliationPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_reconciliation_passes_total",
			Help: "Total number of maintenance reconciliation passes",
		},
		[]string{"result"},
	)

	ReconciliationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_reconciliation_duration_seconds",
			Help:    "Time taken by one maintenance reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	AlertsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_alerts_recovered_total",
			Help: "Total number of alerts restored after their maintenance window ended",
		},
	)

	IncidentsTouched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_incidents_total",
			Help: "Total number of incidents created or updated by correlation",
		},
		[]string{"action"},
	)

	PresetQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_preset_queries_total",
			Help: "Total number of preset evaluations by search mode",
		},
		[]string{"mode"},
	)

	NotificationsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_notifications_total",
			Help: "Total number of push notifications by outcome",
		},
		[]string{"event", "outcome"},
	)

	WorkflowEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_workflow_events_total",
			Help: "Total number of alerts handed to the workflow sink",
		},
		[]string{"result"},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_worker_pool_active_workers",
			Help: "Number of workers started per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_worker_pool_queue_size",
			Help: "Number of tasks waiting in the pool queue",
		},
		[]string{"pool"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_worker_pool_tasks_processed_total",
			Help: "Total number of tasks run per pool",
		},
		[]string{"pool"},
	)

	SQLitePoolOpenConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_sqlite_pool_open_connections",
			Help: "Open connections per SQLite pool",
		},
		[]string{"pool"},
	)

	SQLitePoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_sqlite_pool_in_use",
			Help: "Connections in use per SQLite pool",
		},
		[]string{"pool"},
	)

	SQLitePoolWaitCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_sqlite_pool_wait_count_total",
			Help: "Total number of connection waits per SQLite pool",
		},
		[]string{"pool"},
	)
)

var GoroutinePanics = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vigil_goroutine_panics_total",
		Help: "Total number of panics recovered in background goroutines",
	},
	[]string{"goroutine"},
)
