// Package config provides application configuration management from environment variables.
//
// # Configuration Structure
//
// Server settings:
//
//	PLUGIND_HOST="0.0.0.0"
//	PLUGIND_PORT="8080"
//	PLUGIND_HEALTH_PORT="9090"
//
// Database settings:
//
//	PLUGIND_DB_DRIVER="postgres"  # postgres, sqlite3
//	PLUGIND_DB_DSN="postgres://localhost/plugind?sslmode=disable"
//
// Event bus settings (the bus is disabled when the URL is empty):
//
//	PLUGIND_REDIS_URL="redis://localhost:6379/0"
//	PLUGIND_REDIS_CHANNEL="plugind:events"
//
// Plugin runtime settings:
//
//	PLUGIND_PLUGIN_DIR="./plugins"
//	PLUGIND_CORE_VERSION="1.4.0"
//	PLUGIND_START_TIMEOUT="5s"
//	PLUGIND_CALL_TIMEOUT="10s"
//	PLUGIND_SLOW_THRESHOLD="500ms"
//	PLUGIND_SANDBOX_IDLE_TIMEOUT="2m"
//	PLUGIND_LOAD_TIMEOUT="2s"
//	PLUGIND_TRANSFORMING_HOOKS="order.process"
//	PLUGIND_RESYNC_SCHEDULE="@every 5m"
//	PLUGIND_WATCH_PLUGIN_DIR="true"
//
// Observability settings:
//
//	PLUGIND_LOG_LEVEL="info"  # debug, info, warn, error
//	PLUGIND_LOG_FORMAT="text" # text, json
//	PLUGIND_METRICS_ENABLED="true"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
