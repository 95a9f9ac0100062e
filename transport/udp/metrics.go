package udp

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/termstream/metric"
)

// Metrics holds Prometheus metrics for the UDP transport.
type Metrics struct {
	datagramsReceived prometheus.Counter
	datagramsSent     prometheus.Counter
	bytesReceived     prometheus.Counter
	bytesSent         prometheus.Counter
	datagramsDropped  prometheus.Counter
	socketErrors      prometheus.Counter
	queueUtilization  prometheus.Gauge
}

// newMetrics creates and registers UDP transport metrics. A nil registry disables them.
func newMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "udp",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		datagramsReceived: counter("datagrams_received_total", "Total UDP datagrams read from sockets"),
		datagramsSent:     counter("datagrams_sent_total", "Total UDP datagrams written to sockets"),
		bytesReceived:     counter("bytes_received_total", "Total bytes read from UDP sockets"),
		bytesSent:         counter("bytes_sent_total", "Total bytes written to UDP sockets"),
		datagramsDropped:  counter("datagrams_dropped_total", "Datagrams dropped because the endpoint queue was full"),
		socketErrors:      counter("socket_errors_total", "Socket read and write errors"),
		queueUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "udp",
			Name:      "queue_utilization_ratio",
			Help:      "Endpoint datagram queue usage (0-1), last observed",
		}),
	}

	const owner = "udp_transport"
	for name, c := range map[string]prometheus.Counter{
		"datagrams_received": m.datagramsReceived,
		"datagrams_sent":     m.datagramsSent,
		"bytes_received":     m.bytesReceived,
		"bytes_sent":         m.bytesSent,
		"datagrams_dropped":  m.datagramsDropped,
		"socket_errors":      m.socketErrors,
	} {
		if err := registry.RegisterCounter(owner, name, c); err != nil {
			logger.Debug("UDP metric not registered", "metric", name, "error", err)
		}
	}
	if err := registry.RegisterGauge(owner, "queue_utilization", m.queueUtilization); err != nil {
		logger.Debug("UDP metric not registered", "metric", "queue_utilization", "error", err)
	}
	return m
}

func (m *Metrics) recordReceived(bytes int) {
	if m == nil {
		return
	}
	m.datagramsReceived.Inc()
	m.bytesReceived.Add(float64(bytes))
}

func (m *Metrics) recordSent(bytes int) {
	if m == nil {
		return
	}
	m.datagramsSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) recordDropped() {
	if m == nil {
		return
	}
	m.datagramsDropped.Inc()
}

func (m *Metrics) recordSocketError() {
	if m == nil {
		return
	}
	m.socketErrors.Inc()
}

func (m *Metrics) recordQueue(size, capacity int) {
	if m == nil {
		return
	}
	m.queueUtilization.Set(float64(size) / float64(capacity))
}
