package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus mirrors collector events into a dedicated registry.
type Prometheus struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	responses *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	timeouts  *prometheus.CounterVec
	lifecycle *prometheus.CounterVec
	running   *prometheus.GaugeVec
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idleproxy",
			Name:      "requests_total",
			Help:      "Inbound requests per backend.",
		}, []string{"backend"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idleproxy",
			Name:      "responses_total",
			Help:      "Relayed responses per backend and status code.",
		}, []string{"backend", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "idleproxy",
			Name:      "request_duration_seconds",
			Help:      "Time from receiving a request to relaying its response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idleproxy",
			Name:      "request_timeouts_total",
			Help:      "Requests answered with a synthesized timeout.",
		}, []string{"backend"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idleproxy",
			Name:      "backend_transitions_total",
			Help:      "Backend lifecycle transitions.",
		}, []string{"backend", "event"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "idleproxy",
			Name:      "backend_running",
			Help:      "1 while the backend has a live instance.",
		}, []string{"backend"}),
	}

	p.registry.MustRegister(p.requests, p.responses, p.duration, p.timeouts, p.lifecycle, p.running)
	return p
}

func (p *Prometheus) Observe(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		p.requests.WithLabelValues(event.Backend).Inc()

	case EventResponseCompleted:
		p.responses.WithLabelValues(event.Backend, strconv.Itoa(event.StatusCode)).Inc()
		p.duration.WithLabelValues(event.Backend).Observe(event.Duration.Seconds())

	case EventRequestTimedOut:
		p.timeouts.WithLabelValues(event.Backend).Inc()

	case EventBackendStarted:
		p.lifecycle.WithLabelValues(event.Backend, string(event.Type)).Inc()
		p.running.WithLabelValues(event.Backend).Set(1)

	case EventBackendStopped, EventStartFailed:
		p.lifecycle.WithLabelValues(event.Backend, string(event.Type)).Inc()
		p.running.WithLabelValues(event.Backend).Set(0)
	}
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// PrometheusHandler serves the collector's registry in the exposition format.
func (c *Collector) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(c.prometheus.registry, promhttp.HandlerOpts{})
}
