package main

import (
	"net/http"

	"github.com/angeloszaimis/idleproxy/internal/api"
	"github.com/angeloszaimis/idleproxy/internal/metrics"
)

func setupRouter(metricsCollector *metrics.Collector, reader *api.API) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/metrics", metricsCollector.PrometheusHandler())
	mux.HandleFunc("/stats", metricsCollector.Handler())
	mux.Handle(api.Prefix+"/", reader)

	return mux
}
