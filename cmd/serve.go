package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/idleproxy/config"
	"github.com/angeloszaimis/idleproxy/internal/api"
	"github.com/angeloszaimis/idleproxy/internal/backend"
	"github.com/angeloszaimis/idleproxy/internal/forward"
	"github.com/angeloszaimis/idleproxy/internal/handler"
	"github.com/angeloszaimis/idleproxy/internal/httpserver"
	"github.com/angeloszaimis/idleproxy/internal/logsink"
	"github.com/angeloszaimis/idleproxy/internal/metrics"
	"github.com/angeloszaimis/idleproxy/internal/notify"
	"github.com/angeloszaimis/idleproxy/internal/recorder"
	"github.com/angeloszaimis/idleproxy/internal/store"
	"github.com/angeloszaimis/idleproxy/internal/supervisor"
	"github.com/angeloszaimis/idleproxy/pkg/logger"
)

const (
	metricsBuffer   = 1024
	shutdownTimeout = 30 * time.Second
	writeMargin     = 5 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy for every configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return runServe(ctx, cfg, log)
		},
	}
}

// app is everything serve builds from the config.
type app struct {
	store     store.Store
	recorder  *recorder.Recorder
	collector *metrics.Collector
	publisher *notify.Publisher
	registry  *supervisor.Registry
	servers   []*httpserver.Server
	admin     *httpserver.Server
}

func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// Background work outlives ctx so that shutdown output is still
	// recorded and counted.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()

	a, err := buildApp(workCtx, cfg, log)
	if err != nil {
		log.Error("Failed to build proxy", slog.String("error", err.Error()))
		return err
	}
	defer a.close(log)

	srvErrCh := make(chan error, len(a.servers)+1)
	for _, srv := range append([]*httpserver.Server{a.admin}, a.servers...) {
		go func(srv *httpserver.Server) {
			if err := srv.Start(); err != nil {
				srvErrCh <- fmt.Errorf("listen on %s: %w", srv.Addr(), err)
			}
		}(srv)
	}

	log.Info("Proxy started",
		slog.Int("backends", len(a.servers)),
		slog.String("admin", cfg.Admin.Address))

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case serveErr = <-srvErrCh:
		log.Error("Listener failed", slog.String("error", serveErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range append(a.servers, a.admin) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Error during shutdown", slog.String("addr", srv.Addr()), slog.String("error", err.Error()))
		}
	}

	if err := a.registry.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to stop backends", slog.String("error", err.Error()))
	}

	stopWork()
	<-a.recorder.Done()
	<-a.collector.Done()

	return serveErr
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	db, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{store: db}

	var recorderOpts []recorder.Option
	if cfg.NATS.URL != "" {
		publisher, err := notify.NewPublisher(cfg.NATS.URL, cfg.NATS.Subject, log)
		if err != nil {
			log.Warn("NATS unavailable, exchanges will not be published", slog.String("error", err.Error()))
		} else {
			a.publisher = publisher
			recorderOpts = append(recorderOpts, recorder.WithNotifier(publisher))
		}
	}

	a.recorder = recorder.NewRecorder(db, log, recorderOpts...)
	a.recorder.Start(ctx)

	a.collector = metrics.NewCollector(metricsBuffer, log)
	a.collector.Start(ctx)

	deps := supervisor.Deps{
		Engine:   forward.NewEngine(log, forward.WithBackoff(cfg.RetryBackoff())),
		Recorder: a.recorder,
		Metrics:  a.collector,
		Logger:   log,
	}
	if needsContainers(cfg) {
		docker, err := backend.NewDockerCLI()
		if err != nil {
			a.close(log)
			return nil, err
		}
		deps.Containers = docker
	}

	a.registry, a.servers, err = initializeSupervisors(ctx, cfg, deps, db, a.collector, a.recorder.LogSink(), log)
	if err != nil {
		a.close(log)
		return nil, err
	}

	a.admin, err = httpserver.New(cfg.Admin.Address, setupRouter(a.collector, api.New(db, statesOf(a.registry), log)))
	if err != nil {
		a.close(log)
		return nil, err
	}

	return a, nil
}

func (a *app) close(log *slog.Logger) {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Error("Failed to close store", slog.String("error", err.Error()))
	}
}

func openStore(cfg config.StoreConfig) (*store.BadgerStore, error) {
	if cfg.InMemory {
		return store.NewMemoryStore()
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return store.NewBadgerStore(cfg.Path)
}

func needsContainers(cfg *config.Config) bool {
	for _, b := range cfg.Backends {
		if b.Kind() == backend.KindContainer {
			return true
		}
	}
	return false
}

// initializeSupervisors builds one supervisor and one listener per backend
// and registers each backend's row in the store.
func initializeSupervisors(
	ctx context.Context,
	cfg *config.Config,
	deps supervisor.Deps,
	db store.Store,
	collector *metrics.Collector,
	persist logsink.Sink,
	log *slog.Logger,
) (*supervisor.Registry, []*httpserver.Server, error) {
	registry := supervisor.NewRegistry()
	var servers []*httpserver.Server

	for _, b := range cfg.Backends {
		sc, err := b.Supervisor()
		if err != nil {
			return nil, nil, err
		}
		sc.Sink = logsink.FromMode(b.Logger, os.Stdout, persist)

		sup, err := supervisor.New(sc, deps)
		if err != nil {
			return nil, nil, err
		}
		if err := registry.Add(sup); err != nil {
			return nil, nil, err
		}

		if err := db.RegisterServer(ctx, store.Server{
			ID:     b.ID,
			Kind:   string(sc.Kind),
			Config: b.JSON(),
		}); err != nil {
			return nil, nil, fmt.Errorf("register backend %s: %w", b.ID, err)
		}

		srv, err := httpserver.New(b.ListenAddress(),
			handler.NewBackendHandler(log, b.ID, sup, collector),
			httpserver.WithWriteTimeout(writeTimeout(sup.Config())))
		if err != nil {
			return nil, nil, fmt.Errorf("backend %s: %w", b.ID, err)
		}
		servers = append(servers, srv)

		log.Info("Backend configured",
			slog.String("server", b.ID),
			slog.String("kind", string(sc.Kind)),
			slog.String("listen", b.ListenAddress()),
			slog.String("target", sup.Address()),
			slog.Duration("idle_timeout", sc.IdleTimeout))
	}

	if len(servers) == 0 {
		return nil, nil, errors.New("no backends configured")
	}

	return registry, servers, nil
}

// writeTimeout covers a full request, which includes any cold start.
func writeTimeout(sc supervisor.Config) time.Duration {
	return sc.RequestTimeout + writeMargin
}

func statesOf(registry *supervisor.Registry) api.StateFunc {
	return func() map[string]string {
		states := make(map[string]string)
		for id, state := range registry.States() {
			states[id] = state.String()
		}
		return states
	}
}
