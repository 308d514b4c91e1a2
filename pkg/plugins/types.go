package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Info identifies a plugin. ID is required.
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Plugin is the contract every plugin implements, whether it runs in a
// sandbox worker or is loaded in-process.
type Plugin interface {
	Info() Info
	Register(ctx context.Context, host Host) error
}

// HookFunc handles a hook event. Returning a nil payload means "not modified".
type HookFunc func(ctx context.Context, payload json.RawMessage, meta HookMeta) (json.RawMessage, error)

// RouteFunc handles a plugin route call.
type RouteFunc func(ctx context.Context, req RouteRequest) (*RouteResponse, error)

// HookProvider is implemented by plugins that expose hook handlers by name.
type HookProvider interface {
	Hooks() map[string]HookFunc
}

// RouteProvider is implemented by plugins that expose route handlers.
// Keys are either "/path" or "METHOD /path".
type RouteProvider interface {
	Routes() map[string]RouteFunc
}

// HookMeta travels with every hook call
type HookMeta struct {
	TenantID string                 `json:"tenantId,omitempty"`
	UserID   string                 `json:"userId,omitempty"`
	Source   string                 `json:"source,omitempty"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

// RouteRequest is the serializable projection of an HTTP request handed to plugins.
// The raw framework request never crosses into plugin code.
type RouteRequest struct {
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Params   map[string]string `json:"params,omitempty"`
	Query    map[string]string `json:"query,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	TenantID string            `json:"tenantId,omitempty"`
	UserID   string            `json:"userId,omitempty"`
}

// RouteResponse is what a route handler returns. Zero Status means 200 and an
// empty Body means {}.
type RouteResponse struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Validate reports whether the response can be written to a client. A zero
// status stands for 200.
func (r *RouteResponse) Validate() error {
	if r == nil || r.Status == 0 {
		return nil
	}
	if r.Status < 200 || r.Status > 599 {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, r.Status)
	}
	return nil
}

// Host is the capability surface passed to Plugin.Register
type Host interface {
	Logger() Logger
	Hooks() HookRegistrar
	API() RouteRegistrar
	Admin() AdminRegistrar
	Editor() EditorRegistrar
	Settings() map[string]interface{}
	TenantID() string
}

// Logger is the plugin facing logger
type Logger interface {
	Debug(msg string, meta map[string]interface{})
	Info(msg string, meta map[string]interface{})
	Warn(msg string, meta map[string]interface{})
	Error(msg string, meta map[string]interface{})
}

// HookRegistrar registers hook handlers on behalf of a plugin
type HookRegistrar interface {
	Register(name string, fn HookFunc) error
}

// RouteRegistrar registers HTTP routes on behalf of a plugin
type RouteRegistrar interface {
	RegisterRoute(method, path string, fn RouteFunc) error
}

// AdminRegistrar records admin panel contributions
type AdminRegistrar interface {
	AddMenuItem(label, path string)
}

// EditorRegistrar records editor block contributions
type EditorRegistrar interface {
	RegisterBlock(name string, schema json.RawMessage)
}

// Extension kinds
const (
	ExtensionAdminMenu   = "admin.menu"
	ExtensionEditorBlock = "editor.block"
)

// Extension is an admin panel or editor contribution declared by a plugin
type Extension struct {
	PluginID string          `json:"pluginId"`
	TenantID string          `json:"tenantId,omitempty"`
	Kind     string          `json:"kind"`
	Label    string          `json:"label,omitempty"`
	Path     string          `json:"path,omitempty"`
	Name     string          `json:"name,omitempty"`
	Schema   json.RawMessage `json:"schema,omitempty"`
}

var (
	// ErrInvalidShape is wrapped by every ShapeError
	ErrInvalidShape = errors.New("plugin does not conform to the plugin contract")

	// ErrRouteNotFound is returned when a plugin has no handler for a route
	ErrRouteNotFound = errors.New("route_not_found")

	// ErrInvalidStatus is returned for a route response status outside 200-599
	ErrInvalidStatus = errors.New("invalid response status")
)

// ShapeError describes why a plugin failed load-time validation
type ShapeError struct {
	PluginID string
	Problem  string
}

func (e *ShapeError) Error() string {
	if e.PluginID == "" {
		return fmt.Sprintf("invalid plugin: %s", e.Problem)
	}
	return fmt.Sprintf("invalid plugin %s: %s", e.PluginID, e.Problem)
}

func (e *ShapeError) Unwrap() error { return ErrInvalidShape }

// Validate checks a plugin's declared capabilities
func Validate(p Plugin) error {
	if p == nil {
		return &ShapeError{Problem: "nil plugin"}
	}
	info := p.Info()
	if strings.TrimSpace(info.ID) == "" {
		return &ShapeError{Problem: "missing id"}
	}
	if hp, ok := p.(HookProvider); ok {
		for name, fn := range hp.Hooks() {
			if strings.TrimSpace(name) == "" {
				return &ShapeError{PluginID: info.ID, Problem: "hook with empty name"}
			}
			if fn == nil {
				return &ShapeError{PluginID: info.ID, Problem: fmt.Sprintf("hook %q has no handler", name)}
			}
		}
	}
	if rp, ok := p.(RouteProvider); ok {
		for key, fn := range rp.Routes() {
			if _, path := SplitRouteKey(key); path == "" {
				return &ShapeError{PluginID: info.ID, Problem: fmt.Sprintf("route %q has no path", key)}
			}
			if fn == nil {
				return &ShapeError{PluginID: info.ID, Problem: fmt.Sprintf("route %q has no handler", key)}
			}
		}
	}
	return nil
}

// SplitRouteKey splits "METHOD /path" into its parts. A bare "/path" has no method.
func SplitRouteKey(key string) (method, path string) {
	key = strings.TrimSpace(key)
	if i := strings.IndexByte(key, ' '); i > 0 {
		return strings.ToUpper(key[:i]), strings.TrimSpace(key[i+1:])
	}
	return "", key
}

// RouteKey builds the key used to look up a route handler
func RouteKey(method, path string) string {
	if method == "" {
		return path
	}
	return strings.ToUpper(method) + " " + path
}

// LookupRoute finds the handler for method and path, preferring an exact
// "METHOD /path" key over a bare "/path" key.
func LookupRoute(routes map[string]RouteFunc, method, path string) (RouteFunc, bool) {
	if fn, ok := routes[RouteKey(method, path)]; ok && fn != nil {
		return fn, true
	}
	if fn, ok := routes[path]; ok && fn != nil {
		return fn, true
	}
	return nil, false
}
