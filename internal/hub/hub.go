// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fleetlink/fleetlink/internal/api"
	"github.com/fleetlink/fleetlink/internal/auth"
	"github.com/fleetlink/fleetlink/internal/config"
	"github.com/fleetlink/fleetlink/internal/health"
	"github.com/fleetlink/fleetlink/internal/queue"
	"github.com/fleetlink/fleetlink/internal/registry"
	"github.com/fleetlink/fleetlink/internal/router"
	"github.com/fleetlink/fleetlink/internal/stats"
	"github.com/fleetlink/fleetlink/internal/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	registry     *registry.Registry
	queue        *queue.JetStream // nil when the durable queue is disabled
	router       *router.Router
	monitor      *health.Monitor
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	// Get LoginProvider (builtin only).
	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// Device authentication is always the builtin HMAC/static-token scheme,
	// regardless of how controller tokens are validated.
	var deviceAuth auth.DeviceAuthProvider
	if da, ok := authProvider.(auth.DeviceAuthProvider); ok {
		deviceAuth = da
	} else {
		deviceAuth = auth.NewService(db, cfg.Auth)
	}

	// Registry and metrics.
	reg := registry.New(logger)
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := stats.NewMetrics(promReg)
	agg := stats.NewAggregator(reg)

	// Optional durable command queue. An empty URL means direct delivery only.
	var js *queue.JetStream
	if cfg.Queue.URL != "" {
		connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		js, err = queue.ConnectJetStream(connectCtx, cfg.Queue, logger)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect command queue: %w", err)
		}
	}
	breaker := queue.NewBreaker(cfg.Queue.BreakerThreshold, cfg.Queue.BreakerCooldown.Duration)
	var enqueuer queue.Enqueuer
	if js != nil {
		enqueuer = js
	}
	guard := queue.NewGuard(enqueuer, breaker, logger)

	// Relay router.
	rt := router.New(reg, db, authProvider, deviceAuth, guard, metrics, logger, router.Options{
		AllowedOrigins:        cfg.Server.AllowedOrigins,
		MaxAgentMsgBytes:      cfg.Relay.MaxAgentMsgBytes,
		MaxControllerMsgBytes: cfg.Relay.MaxControllerMsgBytes,
		Features:              cfg.Relay.Features,
	})

	// Health monitor: probes silent entities, never evicts them.
	monitor := health.NewMonitor(reg, rt, metrics, cfg.Health.ConnectionTimeout.Duration, logger)

	// HTTP API.
	apiSrv := api.NewServer(db, authProvider, loginProvider, deviceAuth, rt, reg, agg, promReg, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		registry:     reg,
		queue:        js,
		router:       rt,
		monitor:      monitor,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}
	if cfg.Queue.URL == "" {
		logger.Info("durable command queue disabled, commands are delivered directly")
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// Start the health monitor sweep.
	go h.monitor.Run(ctx, h.cfg.Health.Interval.Duration)

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if h.cfg.Storage.Retention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.Retention.Duration, h.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.close()
		return err
	}
}

func (h *Hub) close() {
	if h.queue != nil {
		h.logger.Info("draining command queue connection")
		h.queue.Close()
	}
	h.logger.Info("closing store")
	_ = h.store.Close()
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cmdCutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeOldCommands(ctx, cmdCutoff); err != nil {
				h.logger.Warn("retention purge: command log failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old command records", "count", n)
			}
			auditCutoff := time.Now().Add(-auditRetention)
			if n, err := h.store.PurgeOldAuditEvents(ctx, auditCutoff); err != nil {
				h.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
