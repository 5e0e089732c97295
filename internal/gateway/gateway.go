// ABOUTME: Gateway wires the store, bus, ledger, dispatcher and orchestrator together
// ABOUTME: Owns the HTTP server that carries both the WebSocket protocol and the REST API

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/config"
	"github.com/2389/agent-gateway/internal/connections"
	"github.com/2389/agent-gateway/internal/dispatch"
	"github.com/2389/agent-gateway/internal/events"
	"github.com/2389/agent-gateway/internal/idempotency"
	"github.com/2389/agent-gateway/internal/orchestrator"
	"github.com/2389/agent-gateway/internal/plugins"
	"github.com/2389/agent-gateway/internal/policy"
	"github.com/2389/agent-gateway/internal/providers"
	"github.com/2389/agent-gateway/internal/routing"
	"github.com/2389/agent-gateway/internal/store"
	"github.com/2389/agent-gateway/internal/telemetry"
)

// shutdownTimeout bounds graceful shutdown after Run's context ends.
const shutdownTimeout = 5 * time.Second

// Gateway is the agent-gateway server.
type Gateway struct {
	config  *config.Config
	version string

	store         store.Store
	bus           *events.Bus
	ledger        *idempotency.Ledger
	sweeper       *idempotency.Sweeper
	conns         *connections.Registry
	orchestrator  *orchestrator.Orchestrator
	dispatcher    *dispatch.Dispatcher
	authenticator *auth.Authenticator
	tokens        *auth.JWTVerifier
	revocations   *auth.Revocations
	telemetry     *telemetry.Provider
	metrics       *telemetry.Metrics

	httpServer *http.Server
	logger     *slog.Logger
	started    time.Time

	workers     sync.WaitGroup
	stopWorkers context.CancelFunc
	closeOnce   sync.Once
	closeErr    error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithVersion sets the version reported in hello and status responses.
func WithVersion(v string) Option {
	return func(g *Gateway) { g.version = v }
}

// WithStore uses s instead of opening database.path.
func WithStore(s store.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// initStore opens the SQLite database. AGENT_GATEWAY_DB_PATH overrides the
// configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	path := cfg.Database.Path
	if env := os.Getenv("AGENT_GATEWAY_DB_PATH"); env != "" {
		path = env
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// New creates a gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		config:  cfg,
		version: "dev",
		logger:  logger.With("component", "gateway"),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.store == nil {
		s, err := initStore(cfg)
		if err != nil {
			return nil, err
		}
		g.store = s
	}

	tp, err := telemetry.Init(context.Background(), cfg.Telemetry, g.version)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	g.telemetry = tp
	if g.metrics, err = telemetry.NewMetrics(tp.Meter); err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	if err := g.initAuth(); err != nil {
		return nil, err
	}

	g.bus = events.New(logger)
	g.conns = connections.NewRegistry(logger)
	g.ledger = idempotency.New(g.store,
		idempotency.WithDefaultTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger),
	)
	g.sweeper, err = idempotency.NewSweeper(g.store, cfg.Idempotency.SweepSchedule, logger)
	if err != nil {
		return nil, err
	}

	g.orchestrator = orchestrator.New(orchestrator.Config{
		PollInterval:   cfg.Worker.PollInterval,
		MaxConcurrency: cfg.Worker.MaxConcurrency,
		ErrorLimit:     cfg.Worker.ErrorLimit,
	}, g.store, providers.NewRegistry(), plugins.NewRegistry(), g.bus,
		orchestrator.WithTelemetry(tp.Tracer, g.metrics),
		orchestrator.WithLogger(logger),
	)

	g.dispatcher = dispatch.New(dispatch.Deps{
		Ledger:   g.ledger,
		Resolver: routing.NewResolver(g.store),
		Gate:     policy.NewGate(g.store, g.store),
		Presence: g.conns,
		Bus:      g.bus,
		Tasks:    g.store,
		Executor: g.orchestrator,
		Config:   cfg,
		Version:  g.version,
		Metrics:  g.metrics,
		Logger:   logger,
	})

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

func (g *Gateway) initAuth() error {
	secret, err := auth.NewSharedSecret(g.config.Auth.SharedSecretHash)
	if err != nil {
		return fmt.Errorf("loading shared secret: %w", err)
	}
	g.revocations = auth.NewRevocations(0, g.config.Auth.RevocationPruneInterval)
	g.tokens = auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret), g.revocations)
	g.authenticator = auth.NewAuthenticator(g.tokens, secret)
	return nil
}

// Handler returns the HTTP handler serving /ws and the REST API.
func (g *Gateway) Handler() http.Handler {
	return g.routes()
}

// Tokens returns the verifier that also mints access tokens.
func (g *Gateway) Tokens() *auth.JWTVerifier {
	return g.tokens
}

// Revoke blacklists an access token id until expiresAt.
func (g *Gateway) Revoke(jti string, expiresAt time.Time) {
	g.revocations.Revoke(jti, expiresAt)
}

// Run serves until ctx is cancelled, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.startBackground(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) startBackground(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	g.stopWorkers = cancel

	if g.config.Worker.Enabled {
		g.workers.Add(1)
		go func() {
			defer g.workers.Done()
			if err := g.orchestrator.Run(workerCtx); err != nil {
				g.logger.Error("orchestrator stopped", "error", err)
			}
		}()
	} else {
		g.logger.Info("task worker disabled")
	}

	g.sweeper.Start()
}

// Shutdown closes live connections, stops background work and releases
// the store. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closeOnce.Do(func() {
		g.closeErr = g.shutdown(ctx)
	})
	return g.closeErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	var errs []error

	g.conns.CloseAll(int(websocket.StatusGoingAway), "server shutting down")
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down HTTP server: %w", err))
	}

	if g.stopWorkers != nil {
		g.stopWorkers()
	}
	drained := true
	if err := g.dispatcher.Drain(ctx); err != nil {
		g.logger.Warn("timed out waiting for in-flight commands")
		errs = append(errs, err)
		drained = false
	}
	done := make(chan struct{})
	go func() {
		g.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("timed out waiting for task workers")
		errs = append(errs, fmt.Errorf("waiting for task workers: %w", ctx.Err()))
		drained = false
	}
	g.sweeper.Stop(ctx)

	g.revocations.Close()
	g.bus.Close()
	if err := g.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down telemetry: %w", err))
	}
	// Running tasks still need the store to record their outcome.
	if !drained {
		g.logger.Warn("leaving store open for running tasks")
		return errors.Join(errs...)
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}
