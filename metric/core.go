package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Frame type labels used by the frame counters.
const (
	FrameData      = "data"
	FramePad       = "pad"
	FrameNak       = "nak"
	FrameStatus    = "sm"
	FrameHeartbeat = "heartbeat"
	FrameSetup     = "setup"
)

// DriverMetrics holds the media driver system counters.
//
// All methods accept a nil receiver so that components built without a registry can
// record unconditionally.
type DriverMetrics struct {
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	Retransmits        prometheus.Counter
	RetransmitsDropped prometheus.Counter
	LossDrops          *prometheus.CounterVec
	InvalidFrames      prometheus.Counter
	BackPressure       prometheus.Counter

	FlowControlLimit *prometheus.GaugeVec
	ActiveStreams    *prometheus.GaugeVec
	LifecycleEvents  *prometheus.CounterVec
	DutyCycle        *prometheus.HistogramVec

	// NATS bridge
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewDriverMetrics creates the driver system counters. They are registered by
// NewMetricsRegistry.
func NewDriverMetrics() *DriverMetrics {
	return &DriverMetrics{
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to send endpoints",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "bytes_received_total",
			Help:      "Total bytes read from receive endpoints",
		}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames sent by type",
		}, []string{"type"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames received by type",
		}, []string{"type"}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "retransmit",
			Name:      "sent_total",
			Help:      "Total retransmitted ranges",
		}),
		RetransmitsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "retransmit",
			Name:      "dropped_total",
			Help:      "NAKs dropped because the per-term retransmit ceiling was reached",
		}),
		LossDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "loss_drops_total",
			Help:      "Datagrams dropped by the loss generator",
		}, []string{"direction"}),
		InvalidFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "invalid_frames_total",
			Help:      "Malformed or unknown frames dropped",
		}),
		BackPressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "log",
			Name:      "back_pressure_total",
			Help:      "Appends refused because the log had no clean term",
		}),
		FlowControlLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "flow_control",
			Name:      "sender_limit",
			Help:      "Current sender position limit per stream",
		}, []string{"session_id", "stream_id"}),
		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "driver",
			Name:      "active_streams",
			Help:      "Publications and connections currently held by the conductor",
		}, []string{"kind"}),
		LifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "driver",
			Name:      "lifecycle_events_total",
			Help:      "Stream lifecycle events by kind",
		}, []string{"event"}),
		DutyCycle: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "agent",
			Name:      "duty_cycle_seconds",
			Help:      "Duration of agent duty cycles that performed work",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"agent"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (m *DriverMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BytesSent, m.BytesReceived, m.FramesSent, m.FramesReceived,
		m.Retransmits, m.RetransmitsDropped, m.LossDrops, m.InvalidFrames, m.BackPressure,
		m.FlowControlLimit, m.ActiveStreams, m.LifecycleEvents, m.DutyCycle,
		m.NATSConnected, m.NATSReconnects, m.NATSCircuitBreaker,
	}
}

// RecordFrameSent counts one sent frame of the given type and its bytes.
func (m *DriverMetrics) RecordFrameSent(frameType string, bytes int) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(frameType).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordFrameReceived counts one received frame of the given type and its bytes.
func (m *DriverMetrics) RecordFrameReceived(frameType string, bytes int) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(frameType).Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordRetransmit counts a resent range.
func (m *DriverMetrics) RecordRetransmit() {
	if m == nil {
		return
	}
	m.Retransmits.Inc()
}

// RecordRetransmitDropped counts a NAK refused by the retransmit ceiling.
func (m *DriverMetrics) RecordRetransmitDropped() {
	if m == nil {
		return
	}
	m.RetransmitsDropped.Inc()
}

// RecordLossDrop counts a datagram discarded by loss injection ("data" or "control").
func (m *DriverMetrics) RecordLossDrop(direction string) {
	if m == nil {
		return
	}
	m.LossDrops.WithLabelValues(direction).Inc()
}

// RecordInvalidFrame counts a dropped malformed frame.
func (m *DriverMetrics) RecordInvalidFrame() {
	if m == nil {
		return
	}
	m.InvalidFrames.Inc()
}

// RecordBackPressure counts an append refused for lack of a clean term.
func (m *DriverMetrics) RecordBackPressure() {
	if m == nil {
		return
	}
	m.BackPressure.Inc()
}

// SetSenderLimit publishes the flow control limit of a stream.
func (m *DriverMetrics) SetSenderLimit(sessionID, streamID string, limit int64) {
	if m == nil {
		return
	}
	m.FlowControlLimit.WithLabelValues(sessionID, streamID).Set(float64(limit))
}

// DeleteSenderLimit removes the limit series of a closed stream.
func (m *DriverMetrics) DeleteSenderLimit(sessionID, streamID string) {
	if m == nil {
		return
	}
	m.FlowControlLimit.DeleteLabelValues(sessionID, streamID)
}

// SetActiveStreams sets the number of live streams of a kind ("publication" or "connection").
func (m *DriverMetrics) SetActiveStreams(kind string, n int) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(kind).Set(float64(n))
}

// RecordLifecycleEvent counts a lifecycle event such as a liveness timeout.
func (m *DriverMetrics) RecordLifecycleEvent(event string) {
	if m == nil {
		return
	}
	m.LifecycleEvents.WithLabelValues(event).Inc()
}

// ObserveDutyCycle records how long one productive agent duty cycle took.
func (m *DriverMetrics) ObserveDutyCycle(agent string, d time.Duration) {
	if m == nil {
		return
	}
	m.DutyCycle.WithLabelValues(agent).Observe(d.Seconds())
}

// RecordNATSStatus updates NATS connection status
func (m *DriverMetrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *DriverMetrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *DriverMetrics) RecordCircuitBreakerState(state int) {
	if m == nil {
		return
	}
	m.NATSCircuitBreaker.Set(float64(state))
}
