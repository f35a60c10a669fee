package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "outbox_relay"

// Delivery paths.
const (
	PathIngress = "ingress"
	PathRetry   = "retry"
)

// RelayMetrics records delivery, retry sweep and broker connection metadata.
// A nil *RelayMetrics is valid and records nothing.
type RelayMetrics struct {
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	ingress          *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec
	sweeps           *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	brokerConnected  prometheus.Gauge
	reconnects       prometheus.Counter
}

// NewRelayMetrics registers the relay metrics on the provided registerer.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		return &RelayMetrics{}
	}
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_attempts_total",
		Help:      "Delivery attempts to the broker by path and result.",
	}, []string{"path", "result"})
	deliveryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "delivery_duration_seconds",
		Help:      "Time spent waiting for broker acknowledgment.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})
	ingress := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingress_requests_total",
		Help:      "Publish requests by delivery outcome.",
	}, []string{"delivery"})
	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Records routed to the dead-letter topic by publish result.",
	}, []string{"result"})
	sweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_sweeps_total",
		Help:      "Retry sweeps by result.",
	}, []string{"result"})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retry_sweep_duration_seconds",
		Help:      "Duration of retry sweeps in seconds.",
		Buckets:   prometheus.DefBuckets,
	})
	brokerConnected := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_connected",
		Help:      "1 when the producer reports a live broker connection.",
	})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broker_reconnects_total",
		Help:      "Successful producer reconnections.",
	})
	reg.MustRegister(deliveries, deliveryDuration, ingress, deadLetters, sweeps, sweepDuration, brokerConnected, reconnects)
	return &RelayMetrics{
		deliveries:       deliveries,
		deliveryDuration: deliveryDuration,
		ingress:          ingress,
		deadLetters:      deadLetters,
		sweeps:           sweeps,
		sweepDuration:    sweepDuration,
		brokerConnected:  brokerConnected,
		reconnects:       reconnects,
	}
}

// ObserveDelivery records one delivery attempt and its latency.
func (m *RelayMetrics) ObserveDelivery(path string, sent bool, duration time.Duration) {
	if m == nil || m.deliveries == nil {
		return
	}
	result := "failed"
	if sent {
		result = "sent"
	}
	m.deliveries.WithLabelValues(normalizeLabel(path), result).Inc()
	m.deliveryDuration.WithLabelValues(normalizeLabel(path)).Observe(duration.Seconds())
}

// IncIngress counts a publish request by its reported delivery state.
func (m *RelayMetrics) IncIngress(delivery string) {
	if m == nil || m.ingress == nil {
		return
	}
	m.ingress.WithLabelValues(normalizeLabel(delivery)).Inc()
}

func (m *RelayMetrics) IncDeadLetter(published bool) {
	if m == nil || m.deadLetters == nil {
		return
	}
	result := "publish_failed"
	if published {
		result = "published"
	}
	m.deadLetters.WithLabelValues(result).Inc()
}

// ObserveSweep records a finished sweep.
func (m *RelayMetrics) ObserveSweep(duration time.Duration, err error) {
	if m == nil || m.sweeps == nil {
		return
	}
	result := "completed"
	if err != nil {
		result = "failed"
	}
	m.sweeps.WithLabelValues(result).Inc()
	m.sweepDuration.Observe(duration.Seconds())
}

// IncSweepSkipped counts a tick dropped because a sweep was still running or
// another instance held the lock.
func (m *RelayMetrics) IncSweepSkipped() {
	if m == nil || m.sweeps == nil {
		return
	}
	m.sweeps.WithLabelValues("skipped").Inc()
}

func (m *RelayMetrics) SetBrokerConnected(connected bool) {
	if m == nil || m.brokerConnected == nil {
		return
	}
	if connected {
		m.brokerConnected.Set(1)
		return
	}
	m.brokerConnected.Set(0)
}

func (m *RelayMetrics) IncReconnect() {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
