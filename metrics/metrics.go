// Package metrics exposes the engine's process-wide observability
// collectors. Registration happens once at init via promauto; emission is
// a plain counter/gauge update and can never fail a caller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recall_cache_hits_total",
			Help: "Semantic cache hits by cache type",
		},
		[]string{"cache_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recall_cache_misses_total",
			Help: "Semantic cache misses by cache type",
		},
		[]string{"cache_type"},
	)

	GraphNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recall_graph_nodes",
			Help: "Note count in the relation graph per user",
		},
		[]string{"user_id"},
	)

	GraphEdges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recall_graph_edges",
			Help: "Relation edge count per user",
		},
		[]string{"user_id"},
	)

	ReflectionOps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recall_reflection_operations_total",
			Help: "Total number of reflection pipeline runs",
		},
	)

	ReflectionCacheHitRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recall_reflection_cache_hit_rate",
			Help: "Rolling hit rate of the analysis cache as observed by reflection runs",
		},
	)

	ContextTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recall_context_truncations_total",
			Help: "Times the rendered context exceeded its token budget and was trimmed",
		},
	)

	DBQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recall_db_queries_total",
			Help: "Total number of database queries issued by the engine",
		},
	)
)
