package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventResponseCompleted EventType = "response_completed"
	EventRequestTimedOut   EventType = "request_timed_out"
	EventBackendStarted    EventType = "backend_started"
	EventBackendStopped    EventType = "backend_stopped"
	EventStartFailed       EventType = "start_failed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Backend    string
	Duration   time.Duration
	StatusCode int
	Attempts   int
}

type Collector struct {
	eventCh    chan MetricEvent
	metrics    *Metrics
	prometheus *Prometheus
	logger     *slog.Logger
	done       chan struct{}
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh:    make(chan MetricEvent, bufferSize),
		metrics:    NewMetrics(),
		prometheus: NewPrometheus(),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit sends event without blocking; it is dropped when the buffer is full.
func (c *Collector) Emit(event MetricEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
		c.logger.Debug("Metrics buffer full, dropping event", slog.String("type", string(event.Type)))
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done is closed once the collector has drained its buffer after ctx ended.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")
	defer close(c.done)

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	c.prometheus.Observe(event)

	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Backend)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Backend, event.Duration, event.StatusCode)

	case EventRequestTimedOut:
		c.metrics.RecordTimeout(event.Backend)

	case EventBackendStarted:
		c.metrics.RecordLaunch(event.Backend)

	case EventBackendStopped:
		c.metrics.RecordStop(event.Backend)

	case EventStartFailed:
		c.metrics.RecordStartFailure(event.Backend)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
