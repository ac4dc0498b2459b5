package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics covers the consumer lanes, the outbox relay, the stale
// sweeper and circuit breaker transitions of the worker process.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec
	outboxTotal      *prometheus.CounterVec
	sweepTotal       *prometheus.CounterVec
	breakerChanges   *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	deliveriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpipe",
			Subsystem: "lane",
			Name:      "deliveries_total",
			Help:      "Total broker deliveries handled by lane and outcome.",
		},
		[]string{"service", "lane", "outcome"},
	)
	deliveryDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docpipe",
			Subsystem: "lane",
			Name:      "delivery_duration_seconds",
			Help:      "Delivery handling duration in seconds by lane.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "lane"},
	)
	inFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docpipe",
			Subsystem: "lane",
			Name:      "in_flight",
			Help:      "Number of deliveries being handled by lane.",
		},
		[]string{"service", "lane"},
	)
	outboxTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpipe",
			Subsystem: "outbox",
			Name:      "publish_total",
			Help:      "Outbox publish attempts by topic and status.",
		},
		[]string{"service", "topic", "status"},
	)
	sweepTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpipe",
			Subsystem: "sweeper",
			Name:      "attempts_total",
			Help:      "Stale stage attempts closed by the sweeper by action.",
		},
		[]string{"service", "action"},
	)
	breakerChanges := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpipe",
			Subsystem: "resilience",
			Name:      "breaker_state_changes_total",
			Help:      "Circuit breaker transitions by operation and target state.",
		},
		[]string{"service", "operation", "to"},
	)

	registry.MustRegister(deliveriesTotal, deliveryDuration, inFlight, outboxTotal, sweepTotal, breakerChanges)

	return &WorkerMetrics{
		registry:         registry,
		service:          service,
		deliveriesTotal:  deliveriesTotal,
		deliveryDuration: deliveryDuration,
		inFlight:         inFlight,
		outboxTotal:      outboxTotal,
		sweepTotal:       sweepTotal,
		breakerChanges:   breakerChanges,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) ObserveDelivery(lane, outcome string, duration time.Duration) {
	m.deliveriesTotal.WithLabelValues(m.service, lane, outcome).Inc()
	m.deliveryDuration.WithLabelValues(m.service, lane).Observe(duration.Seconds())
}

func (m *WorkerMetrics) InFlight(lane string, delta float64) {
	m.inFlight.WithLabelValues(m.service, lane).Add(delta)
}

func (m *WorkerMetrics) RecordOutboxPublish(topic string, ok bool) {
	status := "published"
	if !ok {
		status = "failed"
	}
	m.outboxTotal.WithLabelValues(m.service, topic, status).Inc()
}

func (m *WorkerMetrics) RecordOutboxParked(topic string) {
	m.outboxTotal.WithLabelValues(m.service, topic, "parked").Inc()
}

func (m *WorkerMetrics) RecordSweep(failed, requeued int) {
	if failed > 0 {
		m.sweepTotal.WithLabelValues(m.service, "failed").Add(float64(failed))
	}
	if requeued > 0 {
		m.sweepTotal.WithLabelValues(m.service, "requeued").Add(float64(requeued))
	}
}

// BreakerStateChange has the shape of resilience.StateListener.
func (m *WorkerMetrics) BreakerStateChange(operation, _, to string) {
	m.breakerChanges.WithLabelValues(m.service, operation, to).Inc()
}
