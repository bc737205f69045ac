// Package server provides the public entry point for initializing the
// ToolForge engine server.
//
// This package exists in pkg/ (not internal/) so embedding deployments can
// import it, compose the handler with their own middleware, and reuse the
// initialized store.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/toolforge/toolforge/engine/internal/api"
	"github.com/toolforge/toolforge/engine/internal/api/handlers"
	"github.com/toolforge/toolforge/engine/internal/budget"
	"github.com/toolforge/toolforge/engine/internal/capability"
	"github.com/toolforge/toolforge/engine/internal/config"
	"github.com/toolforge/toolforge/engine/internal/coordinator"
	"github.com/toolforge/toolforge/engine/internal/integrations/github"
	"github.com/toolforge/toolforge/engine/internal/integrations/linear"
	"github.com/toolforge/toolforge/engine/internal/lifecycle"
	"github.com/toolforge/toolforge/engine/internal/materialize"
	"github.com/toolforge/toolforge/engine/internal/ratelimit"
	"github.com/toolforge/toolforge/engine/internal/retry"
	"github.com/toolforge/toolforge/engine/internal/store"
	"github.com/toolforge/toolforge/engine/internal/telemetry"
)

// Server holds the initialized ToolForge engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store: PostgreSQL when DATABASE_URL is set,
	// in-memory otherwise. Exposed so embedders can reuse it.
	Store store.Store

	// Registry holds the capability executors. Exposed so embedders can
	// register additional integrations before serving.
	Registry *capability.Registry

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes the engine from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry := capability.NewRegistry()
	registry.Register(github.New())
	registry.Register(linear.New())

	limiter := ratelimit.New(ratelimit.Rule{
		Window: cfg.Limits.DefaultWindow,
		Max:    cfg.Limits.DefaultMax,
	})
	guard := budget.New(cfg.Limits.MonthlyCallBudget, cfg.Limits.PerRunCallBudget)
	lc := lifecycle.NewManager(dataStore)
	coord := coordinator.New(dataStore, cfg.Limits.LockTTL)

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.Limits.MaxRetries
	policy.InitialDelay = cfg.Limits.InitialDelay
	policy.BackoffFactor = cfg.Limits.BackoffFactor

	engine := materialize.NewEngine(dataStore, registry, limiter, guard, lc, policy)

	h := handlers.New(dataStore, registry, coord, engine, lc)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Registry:     registry,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("In-memory store initialized")
		return store.NewMemoryStore(), nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate postgres store: %w", err)
	}
	log.Info().Msg("PostgreSQL store initialized")
	return pg, nil
}
