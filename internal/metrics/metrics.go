// Package metrics registers the Prometheus series exposed on GET /metrics.
// Pure observability: nothing in the dispatch path reads these back to make
// a decision (the summary service is the business source of truth).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IntakeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_intake_total",
			Help: "Total number of intake requests by outcome",
		},
		[]string{"outcome"},
	)

	DrainTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payment_drain_tick_duration_seconds",
			Help:    "Duration of a single drain loop tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	DrainBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_drain_batch_size",
			Help:    "Number of items drained per tick, by source",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 40},
		},
		[]string{"source"},
	)

	ProcessorDeliveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_processor_delivery_total",
			Help: "Total delivery attempts by processor and result",
		},
		[]string{"processor", "result"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "payment_queue_depth",
			Help: "Current depth of each queue collection",
		},
		[]string{"collection"},
	)

	ReconciledOrphansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_reconciled_orphans_total",
			Help: "Total number of processing-set items recovered by reconciliation",
		},
	)

	ProcessorDeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_processor_latency_seconds",
			Help:    "Latency of a single delivery attempt against a processor",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"processor"},
	)

	HealthProberIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payment_health_prober_is_leader",
			Help: "Whether this replica held the health-prober lease on its last tick",
		},
	)
)

// Recorder is the narrow surface the dispatch and reconcile packages depend
// on, so they can be exercised in tests without a live registry.
type Recorder struct{}

func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) IntakeOutcome(outcome string) {
	IntakeTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) DrainTick(d time.Duration, mainBatch, dueBatch int) {
	DrainTickDuration.Observe(d.Seconds())
	DrainBatchSize.WithLabelValues("main").Observe(float64(mainBatch))
	DrainBatchSize.WithLabelValues("retry").Observe(float64(dueBatch))
}

func (r *Recorder) Delivery(processor, result string) {
	ProcessorDeliveryTotal.WithLabelValues(processor, result).Inc()
}

func (r *Recorder) DeliveryLatency(processor string, d time.Duration) {
	ProcessorDeliveryLatency.WithLabelValues(processor).Observe(d.Seconds())
}

func (r *Recorder) ProberLeader(isLeader bool) {
	if isLeader {
		HealthProberIsLeader.Set(1)
		return
	}
	HealthProberIsLeader.Set(0)
}

func (r *Recorder) QueueDepths(main, retry, processing int64) {
	QueueDepth.WithLabelValues("main").Set(float64(main))
	QueueDepth.WithLabelValues("retry").Set(float64(retry))
	QueueDepth.WithLabelValues("processing").Set(float64(processing))
}

func (r *Recorder) ReconciledOrphans(n int) {
	ReconciledOrphansTotal.Add(float64(n))
}
