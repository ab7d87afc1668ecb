package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/angeloszaimis/idleproxy/internal/logsink"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Event is a lifecycle transition reported to the observer.
type Event string

const (
	EventStarted     Event = "started"
	EventStartFailed Event = "start_failed"
	EventStopped     Event = "stopped"
	EventExited      Event = "exited"
)

const (
	DefaultStartTimeout = 30 * time.Second
	outputBuffer        = 256
	startKey            = "start"
)

// Handle owns the single live instance of one backend.
type Handle struct {
	id           string
	launcher     Launcher
	sink         logsink.Sink
	logger       *slog.Logger
	startTimeout time.Duration

	observe func(Event)

	group singleflight.Group

	mutex    sync.Mutex
	state    State
	live     Instance
	stopping chan struct{}
	closed   bool

	launches atomic.Int64
}

func NewHandle(id string, launcher Launcher, sink logsink.Sink, logger *slog.Logger) *Handle {
	if sink == nil {
		sink = logsink.NoOp{}
	}

	return &Handle{
		id:           id,
		launcher:     launcher,
		sink:         sink,
		logger:       logger.With(slog.String("server", id), slog.String("kind", string(launcher.Kind()))),
		startTimeout: DefaultStartTimeout,
		observe:      func(Event) {},
	}
}

// SetObserver registers fn to be told about lifecycle transitions. It must
// be called before the handle is used.
func (h *Handle) SetObserver(fn func(Event)) {
	if fn != nil {
		h.observe = fn
	}
}

// SetStartTimeout bounds how long a single launch may take.
func (h *Handle) SetStartTimeout(d time.Duration) {
	if d > 0 {
		h.startTimeout = d
	}
}

// ID returns the backend identity.
func (h *Handle) ID() string {
	return h.id
}

// Kind returns the backend kind.
func (h *Handle) Kind() Kind {
	return h.launcher.Kind()
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.state
}

// Running returns true if a live instance exists.
func (h *Handle) Running() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.live != nil
}

// Launches returns how many launch attempts were issued.
func (h *Handle) Launches() int64 {
	return h.launches.Load()
}

// EnsureStarted returns once a live instance exists. Concurrent callers
// share one in-flight launch; a caller whose ctx ends stops waiting but
// does not abort the launch for the others.
func (h *Handle) EnsureStarted(ctx context.Context) error {
	if h.Running() {
		return nil
	}

	ch := h.group.DoChan(startKey, func() (interface{}, error) {
		return nil, h.start(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) start(ctx context.Context) error {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return ErrClosed
	}
	if h.live != nil {
		h.mutex.Unlock()
		return nil
	}
	stopping := h.stopping
	h.mutex.Unlock()

	// A launch must not overlap the teardown of the previous instance.
	if stopping != nil {
		<-stopping
	}

	h.mutex.Lock()
	h.state = StateStarting
	h.mutex.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.startTimeout)
	defer cancel()

	h.launches.Add(1)
	h.logger.Info("Starting backend")

	lines := make(chan logsink.Line, outputBuffer)
	go h.pump(lines)

	inst, err := h.launcher.Launch(ctx, lines)
	if err != nil {
		h.mutex.Lock()
		h.state = StateStopped
		h.mutex.Unlock()
		h.observe(EventStartFailed)
		return fmt.Errorf("start %s backend %s: %w", h.launcher.Kind(), h.id, err)
	}

	h.mutex.Lock()
	h.live = inst
	h.state = StateRunning
	h.mutex.Unlock()

	h.logger.Info("Backend started")
	h.observe(EventStarted)
	go h.watch(inst)

	return nil
}

// Detach clears the live reference and returns the function that tears
// it down. The returned function must be called; a later launch waits for
// it to finish.
func (h *Handle) Detach() func(ctx context.Context) error {
	h.mutex.Lock()
	inst := h.live
	if inst == nil {
		h.mutex.Unlock()
		return func(context.Context) error { return nil }
	}

	done := make(chan struct{})
	h.live = nil
	h.state = StateStopped
	h.stopping = done
	h.mutex.Unlock()

	return func(ctx context.Context) error {
		defer func() {
			h.mutex.Lock()
			if h.stopping == done {
				h.stopping = nil
			}
			h.mutex.Unlock()
			close(done)
		}()

		kind := h.launcher.Kind()
		h.logger.Info("Stopping backend")
		h.notice(fmt.Sprintf("stopping %s...", kind))

		defer h.observe(EventStopped)

		if err := inst.Stop(ctx); err != nil {
			h.notice(fmt.Sprintf("error stopping %s!", kind))
			return fmt.Errorf("stop %s backend %s: %w", kind, h.id, err)
		}

		h.logger.Info("Backend stopped")
		h.notice(fmt.Sprintf("%s stopped", kind))
		return nil
	}
}

// Stop tears down the live instance. It is a no-op when nothing runs.
func (h *Handle) Stop(ctx context.Context) error {
	return h.Detach()(ctx)
}

// Close refuses further launches, waits for an in-flight one and stops
// whatever is live.
func (h *Handle) Close(ctx context.Context) error {
	h.mutex.Lock()
	h.closed = true
	h.mutex.Unlock()

	select {
	case <-h.group.DoChan(startKey, func() (interface{}, error) { return nil, nil }):
	case <-ctx.Done():
	}

	return h.Stop(ctx)
}

func (h *Handle) pump(lines <-chan logsink.Line) {
	for line := range lines {
		line.ServerID = h.id
		if line.Time.IsZero() {
			line.Time = time.Now()
		}
		h.sink.Emit(line)
	}
}

func (h *Handle) watch(inst Instance) {
	<-inst.Exited()

	h.mutex.Lock()
	own := h.live == inst
	if own {
		h.live = nil
		h.state = StateStopped
	}
	h.mutex.Unlock()

	if own {
		h.logger.Warn("Backend exited on its own")
		h.observe(EventExited)
		h.notice(fmt.Sprintf("%s exit %s", h.launcher.Kind(), time.Now().Format(time.RFC3339)))
	}
}

func (h *Handle) notice(text string) {
	h.sink.Emit(logsink.Line{
		ServerID: h.id,
		Stream:   logsink.StreamSupervisor,
		Text:     text,
		Time:     time.Now(),
	})
}
