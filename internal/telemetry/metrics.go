package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "embed_jobs_enqueued_total", Help: "Total enqueued embedding jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "embed_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	DuplicateSkips   = prometheus.NewCounter(prometheus.CounterOpts{Name: "embed_duplicate_skips_total", Help: "Redeliveries skipped by the idempotency ledger"})
	JobSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "embed_jobs_succeeded_total", Help: "Jobs that persisted an embedding"})
	JobRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "embed_jobs_retried_total", Help: "Jobs re-queued for a retry cycle"})
	JobDeadLetter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "embed_jobs_dead_letter_total", Help: "Jobs pushed to the dead-letter sink"})
	CacheHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "embed_cache_hits_total", Help: "Embedding cache hits"})
	CacheMisses      = prometheus.NewCounter(prometheus.CounterOpts{Name: "embed_cache_misses_total", Help: "Embedding cache misses"})
	BatchFlushes     = prometheus.NewCounter(prometheus.CounterOpts{Name: "embed_batch_flushes_total", Help: "Batches flushed to the backend"})
	BackendCalls     = prometheus.NewCounter(prometheus.CounterOpts{Name: "embed_backend_calls_total", Help: "Embedding backend attempts, including retries"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "embed_queue_depth", Help: "Ready queue depth across priorities"})
	RunningGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "embed_jobs_running", Help: "Jobs currently in running state"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			DuplicateSkips,
			JobSuccess,
			JobRetries,
			JobDeadLetter,
			CacheHits,
			CacheMisses,
			BatchFlushes,
			BackendCalls,
			QueueDepthGauge,
			RunningGauge,
		)
	})
	return promhttp.Handler()
}
