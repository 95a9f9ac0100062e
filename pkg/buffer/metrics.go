package buffer

import (
	"github.com/c360/termstream/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// bufferMetrics holds Prometheus metrics for queue operations.
type bufferMetrics struct {
	offers  prometheus.Counter
	polls   prometheus.Counter
	rejects prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

// newBufferMetrics creates and registers queue metrics with the provided registry.
func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"queue": prefix}
	m := &bufferMetrics{
		offers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "offers_total",
			ConstLabels: labels,
			Help:        "Total number of commands offered to the queue",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "polls_total",
			ConstLabels: labels,
			Help:        "Total number of commands consumed from the queue",
		}),
		rejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "rejects_total",
			ConstLabels: labels,
			Help:        "Total number of offers refused because the queue was full",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Approximate number of queued commands",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "utilization",
			ConstLabels: labels,
			Help:        "Queue utilization as a fraction of capacity (0.0 to 1.0)",
		}),
	}

	if err := registry.RegisterCounter(prefix, "queue_offers", m.offers); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "queue_polls", m.polls); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "queue_rejects", m.rejects); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "queue_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "queue_utilization", m.utilization); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordOffer(size, capacity int) {
	m.offers.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordPoll(size, capacity int) {
	m.polls.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordReject() {
	m.rejects.Inc()
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	if size < 0 {
		size = 0
	}
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
