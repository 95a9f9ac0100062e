package bridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/termstream/metric"
)

type bridgeMetrics struct {
	requests *prometheus.CounterVec // by command and result
	events   *prometheus.CounterVec // by event type
	relayed  *prometheus.CounterVec // by result
}

func newBridgeMetrics(registry *metric.MetricsRegistry) (*bridgeMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &bridgeMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Commands received over NATS by command and result",
		}, []string{"command", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "events_published_total",
			Help:      "Lifecycle events published by type",
		}, []string{"type"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "messages_relayed_total",
			Help:      "Subscription messages forwarded to NATS by result",
		}, []string{"result"}),
	}

	if err := registry.RegisterCounterVec("bridge", "requests", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("bridge", "events", m.events); err != nil {
		registry.Unregister("bridge", "requests")
		return nil, err
	}
	if err := registry.RegisterCounterVec("bridge", "relayed", m.relayed); err != nil {
		registry.Unregister("bridge", "requests")
		registry.Unregister("bridge", "events")
		return nil, err
	}
	return m, nil
}

func (m *bridgeMetrics) request(command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(command, result).Inc()
}

func (m *bridgeMetrics) event(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *bridgeMetrics) relay(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.relayed.WithLabelValues(result).Inc()
}
