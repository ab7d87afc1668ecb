// Package metrics counts what the proxy does per backend.
//
// Request handlers and supervisors call Collector.Emit with MetricEvents:
// received and completed requests, synthesized timeouts, and backend
// starts, stops and start failures. Emit never blocks. A single goroutine
// started by Collector.Start folds the events into a Snapshot (request
// counts, latency percentiles, status codes, launches) and mirrors them
// into a Prometheus registry.
//
//	collector := metrics.NewCollector(1024, logger)
//	collector.Start(ctx)
//	collector.Emit(metrics.MetricEvent{Type: metrics.EventBackendStarted, Backend: "api"})
//
// Collector.Handler serves the snapshot as JSON and Collector.PrometheusHandler
// serves the registry. After ctx ends the collector drains what is buffered and
// closes Done.
package metrics
