package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PermissionChecks counts object permission evaluations by outcome (allow|deny).
	PermissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowguard_permission_checks_total",
			Help: "Total number of object permission checks",
		},
		[]string{"identity", "result"},
	)

	// CheckerCacheLookups counts checker cache lookups by result (hit|miss).
	CheckerCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowguard_checker_cache_lookups_total",
			Help: "Object permission cache lookups performed by checkers",
		},
		[]string{"result"},
	)

	// GrantMutations counts grant rows written or removed by identity kind and operation.
	GrantMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowguard_grant_mutations_total",
			Help: "Object permission rows created, renewed or deleted",
		},
		[]string{"identity", "op"},
	)

	// MaintenanceRows counts rows touched by maintenance jobs.
	MaintenanceRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowguard_maintenance_rows_total",
			Help: "Rows removed or flagged by maintenance jobs",
		},
		[]string{"job"},
	)

	// PrefetchedObjects observes how many objects a prefetch call covered.
	PrefetchedObjects = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rowguard_prefetched_objects",
			Help:    "Objects covered per checker prefetch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 6),
		},
	)
)
