// ABOUTME: Gateway orchestrator that wires the store, engine, and HTTP server
// ABOUTME: Owns startup, background sweepers, and graceful shutdown lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/loom-gateway/internal/auth"
	"github.com/2389/loom-gateway/internal/config"
	"github.com/2389/loom-gateway/internal/engine"
	"github.com/2389/loom-gateway/internal/events"
	"github.com/2389/loom-gateway/internal/generation"
	"github.com/2389/loom-gateway/internal/metrics"
	"github.com/2389/loom-gateway/internal/ratelimit"
	"github.com/2389/loom-gateway/internal/store"
)

// sessionSweepInterval is how often the TTL sweeper scans for idle sessions.
const sessionSweepInterval = 5 * time.Minute

// Gateway orchestrates the loom-gateway server components.
// It owns the conversation store, the engine binding, and the HTTP server
// that exposes them.
type Gateway struct {
	config      *config.Config
	store       store.Store
	engine      engine.Engine
	generation  *generation.Service
	limiter     *ratelimit.Limiter
	resolver    *auth.Resolver
	broadcaster *events.Broadcaster
	metrics     *metrics.Metrics
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// initStore creates the conversation store from config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Store.Path
	if envPath := os.Getenv("LOOM_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath, cfg.Limits.MaxSessions)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initEngine creates the inference engine binding selected by config.
func initEngine(cfg *config.Config) (engine.Engine, error) {
	switch cfg.Engine.Backend {
	case "mock":
		return engine.NewMock(cfg.Engine.Models...), nil
	case "remote":
		return engine.NewRemote(cfg.Engine.Endpoint, cfg.Engine.Models, cfg.Engine.RequestTimeout), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Engine.Backend)
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	eng, err := initEngine(cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := events.NewBroadcaster(logger)
	svc := generation.New(s, eng, generation.Options{
		MaxPromptLength:   cfg.Limits.MaxPromptLength,
		MaxResponseTokens: cfg.Limits.MaxResponseTokens,
		HistoryWindow:     cfg.Limits.HistoryWindow,
		SystemPrompt:      cfg.Engine.SystemPrompt,
		RequestTimeout:    cfg.Engine.RequestTimeout,
	}, logger)
	svc.SetBroadcaster(broadcaster)

	limiter := ratelimit.New(cfg.RateLimit.Quota, cfg.RateLimit.Window, cfg.RateLimit.SweepInterval)
	resolver := auth.NewResolver(cfg.Auth, logger)
	for identity, quota := range resolver.Quotas() {
		limiter.SetQuota(identity, quota)
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		engine:      eng,
		generation:  svc,
		limiter:     limiter,
		resolver:    resolver,
		broadcaster: broadcaster,
		metrics:     metrics.New(),
		upgrader:    newUpgrader(cfg.Server.AllowedOrigins),
		logger:      logger.With("component", "gateway"),
		serverID:    generateServerID(),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	// In-flight requests inherit this context, so a shutdown signal also
	// reaches long-lived streams.
	g.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	ln, err := net.Listen("tcp", g.config.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.Listen, err)
	}

	if g.config.Limits.SessionTTL > 0 {
		go g.sweepSessions(ctx)
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServer starts the HTTP server in a goroutine, returning error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening",
			"addr", ln.Addr().String(),
			"server_id", g.serverID,
			"backend", g.config.Engine.Backend,
			"models", g.config.Engine.Models,
		)
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// sweepSessions periodically removes sessions idle longer than the TTL.
func (g *Gateway) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := g.store.SweepExpired(ctx, g.config.Limits.SessionTTL)
			if err != nil {
				g.logger.Warn("session sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				g.logger.Info("swept expired sessions", "removed", removed)
			}
		}
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.limiter.Close()
	g.broadcaster.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth reports liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness: the store must answer a ping and the engine
// must have at least one servable model.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "store unreachable",
		})
		return
	}
	if len(g.engine.Models()) == 0 {
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "no models configured",
		})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("loom-gateway-%d", time.Now().UnixNano()%1000000)
}
