package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/angeloszaimis/idleproxy/internal/backend"
	"github.com/angeloszaimis/idleproxy/internal/exchange"
	"github.com/angeloszaimis/idleproxy/internal/forward"
	"github.com/angeloszaimis/idleproxy/internal/idle"
	"github.com/angeloszaimis/idleproxy/internal/logsink"
	"github.com/angeloszaimis/idleproxy/internal/metrics"
)

const (
	DefaultHost    = "localhost"
	idleStopBudget = 30 * time.Second
)

// Config describes one backend. It is not modified after New.
type Config struct {
	ID           string
	Kind         backend.Kind
	WorkingDir   string
	StartCommand string
	ContainerID  string
	Host         string
	ListenPort   int
	AppPort      int
	Env          []string

	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	StartTimeout   time.Duration
	StopGrace      time.Duration

	Sink logsink.Sink
}

// Recorder receives every completed exchange.
type Recorder interface {
	Capture(ex exchange.Exchange)
}

// Emitter receives metric events; it must not block.
type Emitter interface {
	Emit(event metrics.MetricEvent)
}

// Deps are the collaborators shared by every supervisor.
type Deps struct {
	Engine     *forward.Engine
	Recorder   Recorder
	Containers backend.ContainerEngine
	Metrics    Emitter
	Logger     *slog.Logger
}

// Supervisor owns the lifecycle of one backend and proxies requests to it.
// The backend is started by the first request and stopped once no request
// has been seen for IdleTimeout.
type Supervisor struct {
	cfg      Config
	address  string
	handle   *backend.Handle
	engine   *forward.Engine
	recorder Recorder
	metrics  Emitter
	logger   *slog.Logger
	idle     *idle.Timer

	// gate guards inflight and closed; it is never held while forwarding
	gate     sync.Mutex
	inflight int
	closed   bool
}

func New(cfg Config, deps Deps) (*Supervisor, error) {
	if cfg.ID == "" {
		return nil, errors.New("backend id is required")
	}
	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("backend %s: idle timeout must be positive", cfg.ID)
	}
	if cfg.AppPort <= 0 {
		return nil, fmt.Errorf("backend %s: app port is required", cfg.ID)
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = forward.DefaultTimeout
	}
	if cfg.Sink == nil {
		cfg.Sink = logsink.NoOp{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Engine == nil {
		deps.Engine = forward.NewEngine(deps.Logger)
	}

	launcher, err := newLauncher(cfg, deps)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger.With(slog.String("server", cfg.ID))

	s := &Supervisor{
		cfg:      cfg,
		address:  net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.AppPort)),
		handle:   backend.NewHandle(cfg.ID, launcher, cfg.Sink, deps.Logger),
		engine:   deps.Engine,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		logger:   logger,
	}
	s.idle = idle.New(s.onIdle)
	s.handle.SetStartTimeout(cfg.StartTimeout)
	s.handle.SetObserver(s.observe)

	return s, nil
}

func newLauncher(cfg Config, deps Deps) (backend.Launcher, error) {
	switch cfg.Kind {
	case backend.KindProcess:
		if cfg.StartCommand == "" {
			return nil, fmt.Errorf("backend %s: %w", cfg.ID, backend.ErrNoCommand)
		}
		return &backend.ProcessLauncher{
			WorkingDir: cfg.WorkingDir,
			Command:    cfg.StartCommand,
			Port:       cfg.AppPort,
			Env:        cfg.Env,
			StopGrace:  cfg.StopGrace,
		}, nil

	case backend.KindContainer:
		if cfg.ContainerID == "" || deps.Containers == nil {
			return nil, fmt.Errorf("backend %s: %w", cfg.ID, backend.ErrNoContainer)
		}
		return &backend.ContainerLauncher{
			Engine:      deps.Containers,
			ContainerID: cfg.ContainerID,
			Follow:      logsink.Enabled(cfg.Sink),
		}, nil

	default:
		return nil, fmt.Errorf("backend %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
}

func (s *Supervisor) ID() string {
	return s.cfg.ID
}

func (s *Supervisor) Config() Config {
	return s.cfg
}

// Address is the host:port requests are forwarded to.
func (s *Supervisor) Address() string {
	return s.address
}

func (s *Supervisor) State() backend.State {
	return s.handle.State()
}

// Launches reports how many times the backend was started.
func (s *Supervisor) Launches() int64 {
	return s.handle.Launches()
}

// IdlePending reports whether an idle deadline is armed.
func (s *Supervisor) IdlePending() bool {
	return s.idle.Pending()
}

func (s *Supervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.enter()
	defer s.leave()

	// The request timeout covers the whole request, start included.
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	// A backend that is not up yet is still forwarded to: the retry loop
	// below turns an unreachable backend into a timeout response.
	if err := s.handle.EnsureStarted(ctx); err != nil {
		if ctx.Err() != nil {
			s.logger.Info("Backend not started within the request timeout")
		} else {
			s.logger.Warn("Backend start failed", slog.String("error", err.Error()))
		}
	}

	result, err := s.engine.Forward(ctx, r, s.address, s.cfg.RequestTimeout)
	if err != nil {
		s.logger.Warn("Rejected request", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if result.TimedOut {
		s.emit(metrics.MetricEvent{Type: metrics.EventRequestTimedOut, Attempts: result.Attempts})
	}

	if err := result.WriteTo(w); err != nil {
		s.logger.Debug("Client went away while relaying", slog.String("error", err.Error()))
	}
	// Flush so the client is not held back by a slow capture
	_ = http.NewResponseController(w).Flush()

	if s.recorder != nil {
		result.Exchange.ServerID = s.cfg.ID
		s.recorder.Capture(result.Exchange)
	}
}

func (s *Supervisor) enter() {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.inflight++
	s.idle.Cancel()
}

// leave arms the idle deadline once the last in-flight request is done.
func (s *Supervisor) leave() {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.inflight--
	if s.inflight == 0 && !s.closed {
		s.idle.Rearm(s.cfg.IdleTimeout)
	}
}

// rearmIfIdle arms a deadline for a backend that came up after every
// request that wanted it had already left, so it cannot outlive them
// without one.
func (s *Supervisor) rearmIfIdle() {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.inflight == 0 && !s.closed {
		s.idle.Rearm(s.cfg.IdleTimeout)
	}
}

// onIdle runs when a deadline expires. A request that passed the gate
// after the deadline fired either is still in flight or has armed a new
// deadline; both keep the backend.
func (s *Supervisor) onIdle() {
	s.gate.Lock()
	if s.inflight > 0 || s.closed || s.idle.Pending() {
		s.gate.Unlock()
		return
	}
	// a launch still in progress arms its own deadline once it is up
	if !s.handle.Running() {
		s.gate.Unlock()
		return
	}
	stop := s.handle.Detach()
	s.gate.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), idleStopBudget)
	defer cancel()

	s.logger.Info("Backend idle, stopping", slog.Duration("idle_timeout", s.cfg.IdleTimeout))
	if err := stop(ctx); err != nil {
		s.logger.Warn("Failed to stop idle backend", slog.String("error", err.Error()))
	}
}

// Shutdown stops the backend and refuses to start it again.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.gate.Lock()
	s.closed = true
	s.idle.Cancel()
	s.gate.Unlock()

	return s.handle.Close(ctx)
}

func (s *Supervisor) observe(event backend.Event) {
	switch event {
	case backend.EventStarted:
		s.emit(metrics.MetricEvent{Type: metrics.EventBackendStarted})
		s.rearmIfIdle()
	case backend.EventStopped, backend.EventExited:
		s.emit(metrics.MetricEvent{Type: metrics.EventBackendStopped})
	case backend.EventStartFailed:
		s.emit(metrics.MetricEvent{Type: metrics.EventStartFailed})
	}
}

func (s *Supervisor) emit(event metrics.MetricEvent) {
	if s.metrics == nil {
		return
	}
	event.Backend = s.cfg.ID
	event.Timestamp = time.Now()
	s.metrics.Emit(event)
}
