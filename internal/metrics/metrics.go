// Package metrics holds the Prometheus collectors exposed at GET /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stowaway_cache_hits_total",
		Help: "Local cache lookups served from disk.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stowaway_cache_misses_total",
		Help: "Local cache lookups that required population.",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stowaway_cache_evictions_total",
		Help: "Entries removed by the reaper.",
	})

	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stowaway_cache_bytes",
		Help: "Bytes currently accounted in the local cache.",
	})

	RaceWins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stowaway_backend_race_wins_total",
		Help: "Backend lookups that won a download race, by backend name.",
	}, []string{"backend"})

	UpstreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stowaway_upstream_failures_total",
		Help: "Remote store calls that failed for reasons other than not-found.",
	}, []string{"backend"})

	TransformDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stowaway_transform_duration_seconds",
		Help:    "Time spent by a worker applying one transform.",
		Buckets: prometheus.DefBuckets,
	})

	TransformPlaceholders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stowaway_transform_placeholders_total",
		Help: "Transforms answered with a synthesized placeholder.",
	})

	PoolTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stowaway_transform_pool_timeouts_total",
		Help: "Submissions that gave up waiting for a transform worker.",
	})

	ReplicationTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stowaway_replication_tasks_total",
		Help: "Replication task executions by operation and result.",
	}, []string{"op", "result"})

	ReplicationDeadLetter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stowaway_replication_dead_letter_total",
		Help: "Replication tasks abandoned after exhausting their attempts.",
	}, []string{"op"})

	BytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stowaway_bytes_uploaded_total",
		Help: "Bytes committed to the local cache by upload endpoints.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
