// ABOUTME: Gateway wiring the store, registry, orchestrator, and HTTP server
// ABOUTME: Manages component lifecycle: startup, idle sweeping, graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loopwork/threadline/internal/config"
	"github.com/loopwork/threadline/internal/invoker"
	"github.com/loopwork/threadline/internal/registry"
	"github.com/loopwork/threadline/internal/session"
	"github.com/loopwork/threadline/internal/store"
)

// Gateway orchestrates the threadline server components: the SQLite
// store, thread registry, session orchestrator, idle sweeper, and the
// HTTP API that exposes them.
type Gateway struct {
	config       *config.Config
	store        store.Store
	registry     *registry.Registry
	broadcaster  *session.Broadcaster
	orchestrator *session.Orchestrator
	sweeper      *registry.Sweeper
	httpServer   *http.Server
	logger       *slog.Logger
}

// New builds a gateway from configuration. The store is opened (and
// its schema created) here; Run starts the servers.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	reg := registry.New(sqlStore, logger)
	broadcaster := session.NewBroadcaster(logger)
	inv := invoker.NewHTTPInvoker(invoker.HTTPInvokerConfig{
		Endpoint:       cfg.Agent.Endpoint,
		ConnectTimeout: cfg.Agent.ConnectTimeout,
	}, logger)
	orchestrator := session.New(sqlStore, reg, inv, broadcaster, session.Config{
		MaxRetries:        cfg.Orchestrator.MaxRetries,
		CancelGracePeriod: cfg.Orchestrator.CancelGracePeriod,
	}, logger)
	sweeper := registry.NewSweeper(reg, registry.SweeperConfig{
		Interval: cfg.Orchestrator.SweepInterval,
		IdleTTL:  cfg.Orchestrator.IdleArchiveAfter,
	}, logger)

	gw := &Gateway{
		config:       cfg,
		store:        sqlStore,
		registry:     reg,
		broadcaster:  broadcaster,
		orchestrator: orchestrator,
		sweeper:      sweeper,
		logger:       logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.HandleFunc("/api/turns", gw.handleSubmitTurn)
	mux.HandleFunc("/api/threads", gw.handleListThreads)
	mux.HandleFunc("/api/threads/", gw.handleThreadRoutes)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the HTTP server and the idle sweeper, then blocks until
// ctx is cancelled or the server fails. Shutdown is graceful either way.
func (g *Gateway) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.config.Server.HTTPAddr, err)
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go g.sweeper.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", listener.Addr().String())
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, closes watcher channels, and closes
// the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down")

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("HTTP shutdown: %w", err)
	}

	g.broadcaster.Close()

	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store close: %w", err)
	}
	return firstErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
