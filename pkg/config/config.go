package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis event bus configuration
	Redis RedisConfig

	// Plugin runtime configuration
	Plugins PluginConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig selects the SQL driver backing the plugin registry
type DatabaseConfig struct {
	Driver       string // postgres or sqlite3
	DSN          string
	MaxOpenConns int
}

// RedisConfig holds the event bus connection. An empty URL disables the bus.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	Channel  string
}

// PluginConfig holds plugin runtime settings
type PluginConfig struct {
	Dir               string
	CoreVersion       string
	StartTimeout      time.Duration
	CallTimeout       time.Duration
	SlowThreshold     time.Duration
	IdleTimeout       time.Duration
	LoadTimeout       time.Duration
	TransformingHooks []string
	ResyncSchedule    string
	WatchDir          bool
	LogQueueSize      int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       logrus.Level
	LogFormat      string // text or json
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Plugins:       loadPluginConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PLUGIND_HOST", "0.0.0.0"),
		Port:            getEnv("PLUGIND_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PLUGIND_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PLUGIND_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("PLUGIND_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PLUGIND_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("PLUGIND_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:       getEnv("PLUGIND_DB_DRIVER", "postgres"),
		DSN:          getEnv("PLUGIND_DB_DSN", ""),
		MaxOpenConns: getEnvInt("PLUGIND_DB_MAX_OPEN_CONNS", 10),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("PLUGIND_REDIS_URL", ""),
		Password: getEnv("PLUGIND_REDIS_PASSWORD", ""),
		DB:       getEnvInt("PLUGIND_REDIS_DB", 0),
		Channel:  getEnv("PLUGIND_REDIS_CHANNEL", "plugind:events"),
	}
}

func loadPluginConfig() PluginConfig {
	return PluginConfig{
		Dir:               getEnv("PLUGIND_PLUGIN_DIR", "./plugins"),
		CoreVersion:       getEnv("PLUGIND_CORE_VERSION", "1.0.0"),
		StartTimeout:      getEnvDuration("PLUGIND_START_TIMEOUT", 5*time.Second),
		CallTimeout:       getEnvDuration("PLUGIND_CALL_TIMEOUT", 10*time.Second),
		SlowThreshold:     getEnvDuration("PLUGIND_SLOW_THRESHOLD", 500*time.Millisecond),
		IdleTimeout:       getEnvDuration("PLUGIND_SANDBOX_IDLE_TIMEOUT", 2*time.Minute),
		LoadTimeout:       getEnvDuration("PLUGIND_LOAD_TIMEOUT", 2*time.Second),
		TransformingHooks: getEnvList("PLUGIND_TRANSFORMING_HOOKS", []string{"order.process"}),
		ResyncSchedule:    getEnv("PLUGIND_RESYNC_SCHEDULE", ""),
		WatchDir:          getEnvBool("PLUGIND_WATCH_PLUGIN_DIR", false),
		LogQueueSize:      getEnvInt("PLUGIND_LOG_QUEUE_SIZE", 1024),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("PLUGIND_LOG_LEVEL", "info")),
		LogFormat:      getEnv("PLUGIND_LOG_FORMAT", "text"),
		MetricsEnabled: getEnvBool("PLUGIND_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if c.Plugins.Dir == "" {
		return fmt.Errorf("plugin directory is required")
	}
	if c.Plugins.CoreVersion == "" {
		return fmt.Errorf("core version is required")
	}
	if c.Plugins.StartTimeout <= 0 {
		return fmt.Errorf("sandbox start timeout must be positive")
	}
	if c.Plugins.LoadTimeout <= 0 {
		return fmt.Errorf("fallback load timeout must be positive")
	}
	if c.Plugins.SlowThreshold <= 0 {
		return fmt.Errorf("slow call threshold must be positive")
	}
	if c.Plugins.LogQueueSize <= 0 {
		return fmt.Errorf("plugin log queue size must be positive")
	}

	switch c.Observability.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}

	return nil
}

// parseLogLevel parses a log level string, defaulting to info
func parseLogLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
