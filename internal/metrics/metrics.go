// Package metrics defines the Prometheus collectors the engine
// exposes at /metrics, grounded on the teacher's internal/metrics
// package (same namespaced-counter/histogram-var-plus-init-registration
// shape) but re-pointed at this engine's own domain: dispatcher
// message resolution, extractor query cadence, record lifecycle, and
// finalizer duration, in place of the teacher's HTTP/MQTT/SSE counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "downcast"

// Dispatcher message-resolution counters (incremented by
// internal/dispatch at submit/ack/expire time).
var (
	MessagesSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_submitted_total",
		Help:      "Total messages submitted to the dispatcher, by channel.",
	}, []string{"channel"})

	MessagesAckedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_acked_total",
		Help:      "Total messages fully claimed and acknowledged, by channel.",
	}, []string{"channel"})

	MessagesExpiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_expired_total",
		Help:      "Total messages that aged out of the dispatcher unclaimed, by channel.",
	}, []string{"channel"})
)

// Extractor query-cadence counters (incremented by internal/extractor
// per queue per batch).
var (
	QueryBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "query_batches_total",
		Help:      "Total query batches issued per queue.",
	}, []string{"queue"})

	QueryRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "query_rows_total",
		Help:      "Total rows fetched per queue.",
	}, []string{"queue"})
)

// Record lifecycle counters (incremented by internal/archive).
var (
	RecordsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_opened_total",
		Help:      "Total archive records opened.",
	})

	RecordsFinalizedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_finalized_total",
		Help:      "Total archive records finalized.",
	})
)

// Finalizer duration histogram (observed by internal/worker's
// subprocess runner once per finalizer subprocess).
var FinalizerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "finalizer_duration_seconds",
	Help:      "Wall-clock duration of a finalizer pass, by finalizer name.",
	Buckets:   prometheus.DefBuckets,
}, []string{"finalizer"})

func init() {
	prometheus.MustRegister(
		MessagesSubmittedTotal,
		MessagesAckedTotal,
		MessagesExpiredTotal,
		QueryBatchesTotal,
		QueryRowsTotal,
		RecordsOpenedTotal,
		RecordsFinalizedTotal,
		FinalizerDuration,
	)
}
