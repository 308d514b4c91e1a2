package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/plugind/pkg/admin"
	"github.com/platinummonkey/plugind/pkg/config"
	"github.com/platinummonkey/plugind/pkg/events"
	"github.com/platinummonkey/plugind/pkg/httputil"
	"github.com/platinummonkey/plugind/pkg/observability"
)

func newServeCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin host",
		Long: `Run the plugin host: sync plugins, serve plugin and admin routes, and
consume domain events from Redis when PLUGIND_REDIS_URL is set.

Health endpoints and /metrics are served on PLUGIND_HEALTH_PORT.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, version)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config, version string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	log := a.log
	log.WithField("version", version).Info("Starting plugind")

	if _, err := a.orch.Run(ctx); err != nil {
		a.close()
		return err
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = events.NewRedisClient(ctx, events.ClientOptions{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.close()
			return err
		}
		bus := events.NewRedisBus(redisClient, cfg.Redis.Channel, log)
		go func() {
			defer observability.RecoverPanic(log, "event subscriber")
			if err := bus.Subscribe(ctx, a.hooks); err != nil {
				log.WithError(err).Error("event subscriber stopped")
			}
		}()
	}

	if cfg.Plugins.WatchDir {
		go func() {
			defer observability.RecoverPanic(log, "plugin directory watcher")
			if err := a.orch.Watch(ctx, 0); err != nil {
				log.WithError(err).Error("plugin directory watcher stopped")
			}
		}()
	}

	// API server
	admin.NewHandlers(a.store, a.orch, log).RegisterRoutes(a.router)
	handler := httputil.Chain(
		httputil.RecoveryMiddleware(log),
		httputil.RequestIDMiddleware,
		httputil.TenantMiddleware,
		httputil.LoggingMiddleware(log),
	)(a.router)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics server
	healthChecker := observability.NewHealthChecker(a.db, redisClient, version)
	healthChecker.AddCheck("plugin_dir", pluginDirCheck(cfg.Plugins.Dir))
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, healthChecker)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.MetricsHandler(a.registry))
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	shutdown := observability.NewShutdownManager(log, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc("app", func(context.Context) error {
		cancel()
		if redisClient != nil {
			redisClient.Close()
		}
		return a.close()
	})

	if cfg.Plugins.ResyncSchedule != "" {
		c, err := a.orch.Schedule(cfg.Plugins.ResyncSchedule)
		if err != nil {
			a.close()
			return err
		}
		shutdown.RegisterShutdownFunc("scheduler", func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	serverErr := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		go func(srv *http.Server) {
			log.WithField("addr", srv.Addr).Info("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}(srv)
	}

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	go func() {
		select {
		case err := <-serverErr:
			log.WithError(err).Error("HTTP server failed")
			stopWaiting()
		case <-waitCtx.Done():
		}
	}()

	return shutdown.WaitForShutdown(waitCtx)
}

// pluginDirCheck degrades health while the plugin directory is unreadable
func pluginDirCheck(dir string) observability.CheckFunc {
	return func(ctx context.Context) error {
		fi, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
}
