package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugind/pkg/config"
	"github.com/platinummonkey/plugind/pkg/fallback"
	"github.com/platinummonkey/plugind/pkg/hooks"
	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/orchestrator"
	"github.com/platinummonkey/plugind/pkg/pluginlog"
	"github.com/platinummonkey/plugind/pkg/plugins"
	"github.com/platinummonkey/plugind/pkg/plugins/builtin"
	"github.com/platinummonkey/plugind/pkg/routes"
	"github.com/platinummonkey/plugind/pkg/store"
)

// app is the wired plugin runtime shared by the commands
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	db       *sql.DB
	store    *store.SQLStore
	logHook  *pluginlog.Hook
	registry *prometheus.Registry
	metrics  *observability.PluginMetrics
	hooks    *hooks.Registry
	router   *mux.Router
	mounter  *routes.Mounter
	orch     *orchestrator.Orchestrator
}

func newLogger(cfg *config.Config) *logrus.Logger {
	return observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
}

// openStore connects to the configured database and migrates the plugin tables
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, *store.SQLStore, error) {
	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.NewSQLStore(db, cfg.Database.Driver)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, s, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := newLogger(cfg)

	db, s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewPluginMetrics(registry)

	// failures of the plugin log sink are reported on a logger without the sink
	logHook := pluginlog.New(s, cfg.Plugins.LogQueueSize, newLogger(cfg), metrics)
	log.AddHook(logHook)

	catalog := plugins.NewCatalog()
	if err := builtin.Register(catalog); err != nil {
		logHook.Close()
		db.Close()
		return nil, fmt.Errorf("failed to register built-in plugins: %w", err)
	}

	hookRegistry := hooks.NewRegistry(log, metrics, cfg.Plugins.TransformingHooks...)
	router := mux.NewRouter()
	mounter := routes.NewMounter(router, log, metrics)

	orch, err := orchestrator.New(orchestrator.Options{
		CoreVersion:   cfg.Plugins.CoreVersion,
		StartTimeout:  cfg.Plugins.StartTimeout,
		CallTimeout:   cfg.Plugins.CallTimeout,
		SlowThreshold: cfg.Plugins.SlowThreshold,
		IdleTimeout:   cfg.Plugins.IdleTimeout,
		Store:         s,
		Discovery:     plugins.NewDiscovery(cfg.Plugins.Dir, log),
		Catalog:       catalog,
		Loader:        fallback.NewLoader(catalog, cfg.Plugins.LoadTimeout, cfg.Plugins.CallTimeout, log, metrics),
		Hooks:         hookRegistry,
		Mounter:       mounter,
		Logger:        log,
		Metrics:       metrics,
	})
	if err != nil {
		logHook.Close()
		db.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		store:    s,
		logHook:  logHook,
		registry: registry,
		metrics:  metrics,
		hooks:    hookRegistry,
		router:   router,
		mounter:  mounter,
		orch:     orch,
	}, nil
}

// close stops every plugin, flushes the plugin log and closes the database
func (a *app) close() error {
	a.orch.Close()
	a.logHook.Close()
	return a.db.Close()
}
