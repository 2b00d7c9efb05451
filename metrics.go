package workerpool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by a WorkerPool.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestsEnqueued  *prometheus.CounterVec
	RequestsProcessed *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	Workers           *prometheus.GaugeVec
}

// NewMetrics creates the pool collectors and registers them with reg.
// Pools sharing one Metrics are told apart by the "pool" label.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requestpool_requests_enqueued_total",
				Help: "Total number of requests added to the queue",
			},
			[]string{"pool"},
		),
		RequestsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requestpool_requests_processed_total",
				Help: "Total number of requests handled by the workers",
			},
			[]string{"pool", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "requestpool_request_duration_seconds",
				Help:    "Time spent processing a single request",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pool"},
		),
		Workers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "requestpool_workers",
				Help: "Number of workers per state",
			},
			[]string{"pool", "state"},
		),
	}
}

func (m *Metrics) requestEnqueued(pool string) {
	if m == nil {
		return
	}
	m.RequestsEnqueued.WithLabelValues(pool).Inc()
}

func (m *Metrics) requestProcessed(pool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RequestsProcessed.WithLabelValues(pool, status).Inc()
	m.RequestDuration.WithLabelValues(pool).Observe(d.Seconds())
}

// workerMoved accounts for a state transition, a negative from means the
// worker has just been created.
func (m *Metrics) workerMoved(pool string, from, to WorkerState) {
	if m == nil {
		return
	}
	if from >= 0 {
		m.Workers.WithLabelValues(pool, from.String()).Dec()
	}
	m.Workers.WithLabelValues(pool, to.String()).Inc()
}
