package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/angeloszaimis/idleproxy/internal/exchange"
	"github.com/angeloszaimis/idleproxy/internal/logsink"
)

const (
	DefaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

// Persister is the part of the store the recorder writes to.
type Persister interface {
	SaveExchange(ctx context.Context, ex exchange.Exchange) error
	AppendLog(ctx context.Context, serverID, text string) error
}

// Notifier announces persisted exchanges to other processes.
type Notifier interface {
	Publish(ctx context.Context, ex exchange.Exchange) error
}

type job struct {
	exchange *exchange.Exchange
	line     *logsink.Line
}

// Recorder persists exchanges and backend output off the request path.
// A single worker drains the queue, so lines from one backend are
// written in the order they were emitted.
type Recorder struct {
	queue    chan job
	store    Persister
	notifier Notifier
	logger   *slog.Logger

	mutex    sync.RWMutex
	stopped  bool
	stopping chan struct{}
	done     chan struct{}
}

type Option func(*Recorder)

func WithNotifier(n Notifier) Option {
	return func(r *Recorder) {
		r.notifier = n
	}
}

func WithQueueSize(size int) Option {
	return func(r *Recorder) {
		if size > 0 {
			r.queue = make(chan job, size)
		}
	}
}

func NewRecorder(store Persister, logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		queue:    make(chan job, DefaultQueueSize),
		store:    store,
		logger:   logger,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Recorder) Start(ctx context.Context) {
	go r.run(ctx)
}

// Done is closed once the worker has drained the queue after ctx ended.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// Capture records ex without waiting for persistence. When the queue is
// full or the worker has stopped, ex is persisted by the caller instead.
func (r *Recorder) Capture(ex exchange.Exchange) {
	r.mutex.RLock()
	if !r.stopped {
		select {
		case r.queue <- job{exchange: &ex}:
			r.mutex.RUnlock()
			return
		default:
		}
	}
	r.mutex.RUnlock()

	r.logger.Debug("Capture queue unavailable, persisting inline", slog.String("id", ex.ID))
	r.saveExchange(ex)
}

// LogSink returns a sink that persists every emitted line.
func (r *Recorder) LogSink() logsink.Sink {
	return logsink.Callback(r.appendLine)
}

func (r *Recorder) appendLine(line logsink.Line) {
	r.mutex.RLock()
	if !r.stopped {
		select {
		case r.queue <- job{line: &line}:
			r.mutex.RUnlock()
			return
		case <-r.stopping:
		}
	}
	r.mutex.RUnlock()

	r.saveLine(line)
}

func (r *Recorder) run(ctx context.Context) {
	r.logger.Info("Exchange recorder started")
	defer r.logger.Info("Exchange recorder stopped")
	defer close(r.done)

	for {
		select {
		case j := <-r.queue:
			r.process(j)
		case <-ctx.Done():
			close(r.stopping)
			r.mutex.Lock()
			r.stopped = true
			r.mutex.Unlock()

			// Drain remaining jobs before shutdown
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case j := <-r.queue:
			r.process(j)
		default:
			return
		}
	}
}

func (r *Recorder) process(j job) {
	switch {
	case j.exchange != nil:
		r.saveExchange(*j.exchange)
	case j.line != nil:
		r.saveLine(*j.line)
	}
}

func (r *Recorder) saveExchange(ex exchange.Exchange) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.SaveExchange(ctx, ex); err != nil {
		r.logger.Error("Failed to persist exchange",
			slog.String("id", ex.ID),
			slog.String("server", ex.ServerID),
			slog.String("error", err.Error()))
		return
	}

	if r.notifier == nil {
		return
	}
	if err := r.notifier.Publish(ctx, ex); err != nil {
		r.logger.Warn("Failed to publish exchange",
			slog.String("id", ex.ID),
			slog.String("error", err.Error()))
	}
}

func (r *Recorder) saveLine(line logsink.Line) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.AppendLog(ctx, line.ServerID, line.Text); err != nil {
		r.logger.Error("Failed to persist log line",
			slog.String("server", line.ServerID),
			slog.String("error", err.Error()))
	}
}
