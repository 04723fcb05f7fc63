// Package app provides the main application struct for centralized dependency
// management and lifecycle control of the credit metering server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"creditmeter/config"
	"creditmeter/internal/cache"
	"creditmeter/internal/credit"
	"creditmeter/internal/pricing"
	"creditmeter/internal/report"
	"creditmeter/internal/server"
	"creditmeter/internal/storage"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config  *config.Config
	storage storage.Storage
	store   credit.Store
	service *credit.Service
	reports report.Reader
	cache   cache.Cache
	server  *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{config: cfg}

	st, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.storage = st

	store, err := credit.NewStore(st, credit.Config{LockTimeout: cfg.Credit.LockTimeout})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize credit store: %w", err), st.Close())
	}
	app.store = store

	rules, err := loadRules(cfg.Pricing, logger)
	if err != nil {
		return nil, errors.Join(err, st.Close())
	}
	app.service = credit.NewService(store, rules, logger)

	reader, err := report.NewReader(st)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize usage reader: %w", err), st.Close())
	}
	app.reports = reader

	reportCache, err := cache.New(cache.Config{
		Backend: cfg.Cache.Backend,
		Redis:   cache.RedisConfig{URL: cfg.Cache.RedisURL},
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize report cache: %w", err), st.Close())
	}
	app.cache = reportCache
	app.reports = report.NewCachedReader(reader, reportCache, cfg.Cache.TTL, logger)

	handler := server.NewHandler(app.service, app.reports, st.Type())
	app.server = server.New(handler, &server.Config{
		MasterKey: cfg.Server.MasterKey,
		BodyLimit: cfg.Server.BodyLimit,
	})

	return app, nil
}

// loadRules builds the pricing rule set from the configured files.
func loadRules(cfg config.PricingConfig, logger *slog.Logger) (*pricing.Rules, error) {
	rules := pricing.DefaultRules()

	if cfg.RulesPath != "" {
		loaded, err := pricing.LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load pricing rules: %w", err)
		}
		rules = loaded
		logger.Info("pricing rules loaded", "path", cfg.RulesPath, "base_rates", len(rules.BaseRates))
	}
	if cfg.CatalogPath != "" {
		merged, err := pricing.LoadCatalog(rules, cfg.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load model catalog: %w", err)
		}
		logger.Info("model catalog merged", "path", cfg.CatalogPath, "models", merged)
	}
	return rules, nil
}

// Start starts the HTTP server. It blocks until the server stops.
func (a *App) Start() error {
	return a.server.Start(":" + a.config.Server.Port)
}

// Server exposes the HTTP server for tests.
func (a *App) Server() *server.Server {
	return a.server
}

// Shutdown gracefully stops the server and releases resources in reverse
// initialization order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if a.reports != nil {
		if err := a.reports.Close(); err != nil {
			errs = append(errs, fmt.Errorf("reports close: %w", err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	return errors.Join(errs...)
}
