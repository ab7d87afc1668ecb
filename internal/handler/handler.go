package handler

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/idleproxy/internal/metrics"
)

// BackendHandler fronts the supervisor of one backend.
type BackendHandler struct {
	logger           *slog.Logger
	backendID        string
	next             http.Handler
	metricsCollector *metrics.Collector
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (h *BackendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := extractClientIP(r)

	h.logger.Info("Received request",
		slog.String("from", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("proto", r.Proto),
		slog.String("host", r.Host),
		slog.String("user_agent", r.UserAgent()))

	h.emitEvent(metrics.MetricEvent{
		Type:      metrics.EventRequestReceived,
		Timestamp: time.Now(),
		Backend:   h.backendID,
	})

	start := time.Now()

	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	h.next.ServeHTTP(wrapped, r)

	duration := time.Since(start)
	h.emitEvent(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Timestamp:  time.Now(),
		Backend:    h.backendID,
		Duration:   duration,
		StatusCode: wrapped.statusCode,
	})

	h.logger.Debug("Completed request",
		slog.String("client", clientIP),
		slog.Int("status", wrapped.statusCode),
		slog.Duration("duration", duration))
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (h *BackendHandler) emitEvent(event metrics.MetricEvent) {
	if h.metricsCollector == nil {
		return
	}
	h.metricsCollector.Emit(event)
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func NewBackendHandler(logger *slog.Logger, backendID string, next http.Handler, collector *metrics.Collector) *BackendHandler {
	return &BackendHandler{
		logger:           logger.With(slog.String("server", backendID)),
		backendID:        backendID,
		next:             next,
		metricsCollector: collector,
	}
}
