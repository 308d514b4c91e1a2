package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a plugin or installation does not exist
	ErrNotFound = errors.New("not found")

	// ErrNotMigrated is returned when the plugin tables are missing
	ErrNotMigrated = errors.New("plugin tables do not exist, run migrations")
)

// Plugin is a row of available_plugins: the registry descriptor of an
// installable plugin plus its registry-wide approval.
type Plugin struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	LatestVersion  string    `json:"latestVersion"`
	MinCoreVersion string    `json:"minCoreVersion,omitempty"`
	MaxCoreVersion string    `json:"maxCoreVersion,omitempty"`
	Dependencies   []string  `json:"dependencies,omitempty"`
	IsApproved     bool      `json:"isApproved"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Manifest holds the manifest derived columns of a registry row
type Manifest struct {
	MinCoreVersion string
	MaxCoreVersion string
	Dependencies   []string
}

// Installation is a row of tenant_plugins: tenant X has plugin Y turned on
// with config Z.
type Installation struct {
	TenantID  string                 `json:"tenantId"`
	PluginID  string                 `json:"pluginId"`
	IsActive  bool                   `json:"isActive"`
	Config    map[string]interface{} `json:"config,omitempty"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// Level is a plugin log level
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps any level name onto the four stored levels
func ParseLevel(s string) Level {
	switch s {
	case "trace", "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "fatal", "panic":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogEntry is an append-only row of plugin_logs
type LogEntry struct {
	ID         int64                  `json:"id"`
	PluginID   string                 `json:"pluginId"`
	TenantID   string                 `json:"tenantId,omitempty"`
	Level      Level                  `json:"level"`
	Message    string                 `json:"message"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	DurationMS *int64                 `json:"durationMs,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// LogFilter selects plugin log rows. Zero fields do not filter.
type LogFilter struct {
	PluginID string
	TenantID string
	Level    Level
	Message  string
	Since    time.Time
	Limit    int
}

// InvocationStats summarizes timed invocation log rows of one plugin
type InvocationStats struct {
	PluginID        string  `json:"pluginId"`
	Invocations     int64   `json:"invocations"`
	Failures        int64   `json:"failures"`
	SlowInvocations int64   `json:"slowInvocations"`
	AvgDurationMS   float64 `json:"avgDurationMs"`
	MaxDurationMS   int64   `json:"maxDurationMs"`
}
