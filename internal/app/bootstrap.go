// Package app wires the controller together: store, auth, registry,
// services, WebSocket surfaces, REST router, and background sweeps.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/api/handlers"
	"cloudpasture.io/corral/internal/audit"
	"cloudpasture.io/corral/internal/auth"
	"cloudpasture.io/corral/internal/config"
	"cloudpasture.io/corral/internal/ipam"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/pkg/worker"
	"cloudpasture.io/corral/internal/reconcile"
	"cloudpasture.io/corral/internal/registry"
	"cloudpasture.io/corral/internal/service"
	"cloudpasture.io/corral/internal/store"
	"cloudpasture.io/corral/internal/ws"
)

// App is the assembled controller.
type App struct {
	Router *gin.Engine

	store      *store.Store
	pools      *worker.Pools
	reconciler *reconcile.Reconciler

	bgCancel context.CancelFunc
}

// Bootstrap assembles the controller from configuration.
func Bootstrap(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.Database.Driver(), cfg.Database.URL, store.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		DriverPoolSize:  cfg.Worker.DriverPoolSize,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("worker pools: %w", err)
	}

	authn := auth.New(st, []byte(cfg.Auth.TokenSecret), cfg.Auth.TokenTTL, cfg.Auth.AgentSecret)

	adminPassword := os.Getenv("ADMIN_PASSWORD")
	if adminPassword == "" {
		adminPassword = "admin"
		logger.Warn("ADMIN_PASSWORD not set; seeding default admin credentials")
	}
	if err := authn.SeedAdmin(ctx, adminPassword); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("seed admin: %w", err)
	}

	reg := registry.New()
	alloc := ipam.NewAllocator(st)
	hub := ws.NewHub()
	auditLog := audit.NewLogger(st)

	svc := service.New(st, reg, alloc, hub, auditLog, pools, service.Config{
		RequestTimeout: cfg.RPC.RequestTimeout,
		LongTimeout:    cfg.RPC.LongTimeout,
		MaxRetries:     cfg.Reconciler.MaxRetries,
	})
	if err := svc.RegisterNetworkLocks(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register network locks: %w", err)
	}

	agentWS := ws.NewAgentEndpoint(svc, reg, authn.ValidateAgentSecret)
	server := handlers.NewServer(svc, authn)

	if cfg.Log.Format != "console" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(server, authn, agentWS, hub)

	reconciler := reconcile.New(svc, cfg.Reconciler.Interval, cfg.RPC.OfflineAfter)

	return &App{
		Router:     router,
		store:      st,
		pools:      pools,
		reconciler: reconciler,
	}, nil
}

// Start launches the background sweeps.
func (a *App) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	a.bgCancel = cancel
	go a.reconciler.Run(bgCtx)
	logger.Info("Background services started")
	return nil
}

// Shutdown releases pools and the store.
func (a *App) Shutdown() {
	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.pools.Shutdown()
	if err := a.store.Close(); err != nil {
		logger.Warn("Store close failed", zap.Error(err))
	}
}
