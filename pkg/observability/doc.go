// Package observability provides logging, metrics, health checks and graceful
// shutdown for the plugin runtime.
//
// # Logging
//
// All components log through logrus. NewLogger builds the process logger and
// Component scopes it:
//
//	log := observability.NewLogger(logrus.InfoLevel, "json", os.Stdout)
//	entry := observability.Component(log, "sandbox").WithField(observability.FieldPluginID, id)
//
// Entries carrying plugin_id are persisted as plugin log rows by pkg/pluginlog.
//
// # Metrics
//
// PluginMetrics exposes plugind_* Prometheus collectors. A nil *PluginMetrics is a
// valid no-op recorder.
//
//	metrics := observability.NewPluginMetrics(registry)
//	metrics.RecordInvocation("greeter", observability.KindRoute, d, err, d > threshold)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	checker.AddCheck("plugin_dir", func(ctx context.Context) error {
//		_, err := os.Stat(dir)
//		return err
//	})
//	observability.RegisterHealthRoutes(mux, checker)
package observability
