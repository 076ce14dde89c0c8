// Package gateway is the main orchestrator that ties the router components
// together.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/amurg-ai/wsrouter/internal/api"
	"github.com/amurg-ai/wsrouter/internal/auth"
	"github.com/amurg-ai/wsrouter/internal/bus"
	"github.com/amurg-ai/wsrouter/internal/bus/memory"
	"github.com/amurg-ai/wsrouter/internal/bus/redis"
	"github.com/amurg-ai/wsrouter/internal/config"
	"github.com/amurg-ai/wsrouter/internal/correlation"
	"github.com/amurg-ai/wsrouter/internal/dispatch"
	"github.com/amurg-ai/wsrouter/internal/registry"
	"github.com/amurg-ai/wsrouter/internal/router"
	"github.com/amurg-ai/wsrouter/internal/store"
	"github.com/amurg-ai/wsrouter/internal/topology"
)

// Gateway is the main router process.
type Gateway struct {
	cfg        *config.Config
	configPath string
	store      store.Store
	bus        bus.Bus
	topo       topology.Topology
	policy     atomic.Pointer[config.Policy]
	registry   *registry.Registry
	pending    *correlation.Store
	dispatcher *dispatch.Dispatcher
	consumer   *dispatch.Consumer
	router     *router.Router
	api        *api.Server
	logger     *slog.Logger
}

// New creates a gateway from configuration. It connects to the audit store,
// the token provider and the bus.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(ctx, cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	b, err := newBus(ctx, cfg.Bus, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bus: %w", err)
	}

	g := &Gateway{
		cfg:    cfg,
		store:  db,
		bus:    b,
		topo:   topology.New(cfg.Bus.Prefix, cfg.Router.InstanceID),
		logger: logger.With("component", "gateway"),
	}
	g.policy.Store(cfg.Router.Policy())
	policy := g.policy.Load

	g.registry = registry.New(authProvider, logger)
	g.pending = correlation.New(correlation.Options{
		Timeout:       cfg.Correlation.Timeout.Duration,
		SweepInterval: cfg.Correlation.SweepInterval.Duration,
		SlowThreshold: cfg.Correlation.SlowThreshold.Duration,
		Logger:        logger,
		OnExpired:     g.auditTimeout,
	})
	g.dispatcher = dispatch.New(g.registry, g.pending, dispatch.Options{
		Topology: g.topo,
		Policy:   policy,
		Logger:   logger,
	})
	g.consumer = dispatch.NewConsumer(b, g.dispatcher, g.topo.Bindings(), logger)
	g.router = router.New(g.registry, g.pending, g.dispatcher, b, logger, router.Options{
		Topology:          g.topo,
		Policy:            policy,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
		WriteTimeout:      cfg.Server.WriteTimeout.Duration,
		Grace:             cfg.Auth.TokenGrace.Duration,
		MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Auditor:           db,
	})
	g.api = api.NewServer(api.Deps{
		Store:      db,
		Auth:       authProvider,
		Registry:   g.registry,
		Pending:    g.pending,
		Dispatcher: g.dispatcher,
		Bus:        b,
		WebSocket:  g.router,
		InstanceID: g.topo.InstanceID,
	}, cfg, logger)

	g.logger.Info("router instance created",
		"instance_id", g.topo.InstanceID,
		"auth_provider", authProvider.Name(),
		"bus", cfg.Bus.Driver,
		"storage", cfg.Storage.Driver)
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return g, nil
}

func newBus(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(logger), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return redis.NewFromEnv(ctx, logger)
		}
		return redis.New(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unknown bus driver: %q", cfg.Driver)
	}
}

// WatchConfig makes Run reload the client policy whenever path changes.
func (g *Gateway) WatchConfig(path string) {
	g.configPath = path
}

// InstanceID returns the id stamped on every request this process publishes.
func (g *Gateway) InstanceID() string { return g.topo.InstanceID }

// Handler returns the HTTP handler serving clients and the admin API.
func (g *Gateway) Handler() http.Handler { return g.api.Handler() }

// start subscribes the inbound channels and launches the background loops.
// They stop when ctx is cancelled.
func (g *Gateway) start(ctx context.Context) error {
	if err := g.consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	g.pending.Start(ctx)
	g.registry.StartHeartbeat(ctx, g.cfg.Router.HeartbeatInterval.Duration, g.cfg.Router.HeartbeatConcurrency)
	g.api.StartBackgroundTasks(ctx)

	if g.cfg.Storage.AuditRetention.Duration > 0 {
		go g.runRetentionPurger(ctx, g.cfg.Storage.AuditRetention.Duration)
	}
	if g.configPath != "" {
		go func() {
			if err := config.Watch(ctx, g.configPath, g.logger, g.applyConfig); err != nil {
				g.logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}
	return nil
}

// applyConfig swaps in the client policy of a reloaded config. Other
// settings take effect on restart.
func (g *Gateway) applyConfig(cfg *config.Config) {
	g.policy.Store(cfg.Router.Policy())
	g.logger.Info("client policy updated",
		"banned_user_agents", len(cfg.Router.BannedUserAgents),
		"banned_client_versions", len(cfg.Router.BannedClientVersions),
		"non_rpc_events", len(cfg.Router.NonRPCEvents))
}

// Run starts the HTTP server and blocks until the context is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.start(ctx); err != nil {
		g.close()
		return err
	}

	srv := &http.Server{
		Addr:              g.cfg.Server.Addr,
		Handler:           g.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("router listening", "addr", g.cfg.Server.Addr, "websocket_path", g.cfg.Server.WebSocketPath)
		if g.cfg.Server.TLSCert != "" && g.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(g.cfg.Server.TLSCert, g.cfg.Server.TLSKey)
		} else {
			g.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down router gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			g.logger.Info("http server stopped gracefully")
		}

		g.close()
		g.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		g.close()
		return err
	}
}

func (g *Gateway) close() {
	g.consumer.Close()
	if err := g.bus.Close(); err != nil {
		g.logger.Warn("close bus", "error", err)
	}
	g.logger.Info("closing store")
	_ = g.store.Close()
}

// auditTimeout records a request the backend never answered.
func (g *Gateway) auditTimeout(p *correlation.Pending) {
	d, _ := json.Marshal(map[string]string{
		"age":        time.Since(p.CreatedAt).Truncate(time.Millisecond).String(),
		"user_agent": p.UserAgent,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := g.store.LogAuditEvent(ctx, &store.AuditEvent{
		Action:        store.ActionRequestTimeout,
		InstanceID:    g.topo.InstanceID,
		SessionID:     p.SessionID,
		UserID:        p.UserID,
		EventType:     p.EventType,
		CorrelationID: p.CorrelationID,
		IPAddress:     p.IPAddress,
		Detail:        d,
	})
	if err != nil {
		g.logger.Warn("audit write failed", "action", store.ActionRequestTimeout, "error", err)
	}
}

func (g *Gateway) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.purgeAudit(ctx, retention)
		}
	}
}

func (g *Gateway) purgeAudit(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	if n, err := g.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
		g.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		g.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
