// Package metric provides Prometheus metrics for the FilterStream pipeline and
// the HTTP server that exposes them.
//
// NewMetricsRegistry creates a private Prometheus registry holding the
// pipeline metrics (Metrics) together with the Go runtime and process
// collectors. Components receive the *Metrics value and call its Record
// methods; a nil *Metrics is valid and records nothing, so tests and
// embedded uses need no registry at all.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry, healthHandler)
//	go func() { _ = server.Start() }()
//	defer server.Stop(5 * time.Second)
//
// Additional component metrics can be added through MetricsRegistrar. Keys
// are "service.metric" and a second registration of the same key fails with
// an invalid-class error.
package metric
