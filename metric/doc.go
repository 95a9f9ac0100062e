// Package metric provides Prometheus metrics for the media driver.
//
// MetricsRegistry wraps a dedicated Prometheus registry that already carries the
// driver system counters (DriverMetrics) and the Go runtime collectors. Components
// register their own collectors through the MetricsRegistrar interface; the
// owner.metric key guards against duplicate registration.
//
// A component built without a registry records into a nil *DriverMetrics, which is a
// no-op:
//
//	var m *metric.DriverMetrics = registry.Driver() // nil when registry is nil
//	m.RecordFrameSent(metric.FrameData, n)
//
// Server exposes the registry over HTTP:
//
//	server := metric.NewServer(9090, "/metrics", registry, driver.Healthy)
//	go func() {
//	    if err := server.Start(); err != nil {
//	        logger.Error("metrics server failed", "error", err)
//	    }
//	}()
//	defer server.Stop(ctx)
package metric
