package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the server-side counters and gauges exposed by the
// accept loop and dispatcher. A Server constructed without one falls
// back to unregistered no-op collectors.
type Metrics struct {
	ActiveConnections  prometheus.Gauge
	RequestsTotal      prometheus.Counter
	HandlerErrorsTotal prometheus.Counter
}

// NewMetrics registers a fresh set of collectors on reg and returns
// them. Pass a dedicated *prometheus.Registry per server instance in
// tests to avoid duplicate-registration panics across test cases.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "distant_server_active_connections",
			Help: "Number of live, authenticated server connections.",
		}),
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distant_server_requests_total",
			Help: "Total number of dispatched requests.",
		}),
		HandlerErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distant_server_handler_errors_total",
			Help: "Total number of requests whose handler returned an error.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ActiveConnections, m.RequestsTotal, m.HandlerErrorsTotal)
	}
	return m
}

// nopMetrics is used whenever a Server is constructed without an
// explicit *Metrics, so every call site can unconditionally record
// without a nil check.
func nopMetrics() *Metrics {
	return &Metrics{
		ActiveConnections:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "distant_server_active_connections_nop"}),
		RequestsTotal:      prometheus.NewCounter(prometheus.CounterOpts{Name: "distant_server_requests_total_nop"}),
		HandlerErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{Name: "distant_server_handler_errors_total_nop"}),
	}
}
