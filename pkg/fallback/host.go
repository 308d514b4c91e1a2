package fallback

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugind/pkg/hooks"
	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/plugins"
	"github.com/platinummonkey/plugind/pkg/routes"
)

// RouteBinder mounts plugin routes. *routes.Mounter implements it.
type RouteBinder interface {
	RegisterPluginRoute(pluginID, method, path string, invoker routes.Invoker) error
}

// HostConfig configures the capability object of an in-process plugin
type HostConfig struct {
	PluginID string
	TenantID string
	Settings map[string]interface{}
	Hooks    hooks.Registrar
	Routes   RouteBinder
	Log      logrus.FieldLogger
}

// Host is the capability object handed to an in-process plugin's Register.
// Hook handlers go straight into the hook registry, routes through the
// route binder.
type Host struct {
	cfg HostConfig
	log *logrus.Entry

	mu         sync.Mutex
	hookNames  []string
	routeKeys  []string
	extensions []plugins.Extension
}

// NewHost builds a Host. A nil Hooks or Routes disables that capability.
func NewHost(cfg HostConfig) *Host {
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	log := observability.Component(cfg.Log, "plugin").WithField(observability.FieldPluginID, cfg.PluginID)
	if cfg.TenantID != "" {
		log = log.WithField(observability.FieldTenantID, cfg.TenantID)
	}
	return &Host{cfg: cfg, log: log}
}

func (h *Host) Logger() plugins.Logger           { return hostLogger{h.log} }
func (h *Host) Hooks() plugins.HookRegistrar     { return hostHooks{h} }
func (h *Host) API() plugins.RouteRegistrar      { return hostAPI{h} }
func (h *Host) Admin() plugins.AdminRegistrar    { return hostExtensions{h} }
func (h *Host) Editor() plugins.EditorRegistrar  { return hostExtensions{h} }
func (h *Host) Settings() map[string]interface{} { return h.cfg.Settings }
func (h *Host) TenantID() string                 { return h.cfg.TenantID }

// Extensions returns the admin and editor contributions recorded so far
func (h *Host) Extensions() []plugins.Extension {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]plugins.Extension(nil), h.extensions...)
}

// RegisteredHooks returns the sorted hook names the plugin registered
func (h *Host) RegisteredHooks() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := append([]string(nil), h.hookNames...)
	sort.Strings(out)
	return out
}

// RegisteredRoutes returns the "METHOD /path" keys the plugin registered
func (h *Host) RegisteredRoutes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.routeKeys...)
}

type hostLogger struct{ log *logrus.Entry }

func (l hostLogger) Debug(msg string, meta map[string]interface{}) { l.with(meta).Debug(msg) }
func (l hostLogger) Info(msg string, meta map[string]interface{})  { l.with(meta).Info(msg) }
func (l hostLogger) Warn(msg string, meta map[string]interface{})  { l.with(meta).Warn(msg) }
func (l hostLogger) Error(msg string, meta map[string]interface{}) { l.with(meta).Error(msg) }

// with keeps plugin supplied meta from overriding the attribution fields
func (l hostLogger) with(meta map[string]interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for k, v := range meta {
		switch k {
		case observability.FieldPluginID, observability.FieldTenantID, observability.FieldComponent:
			continue
		}
		fields[k] = v
	}
	return l.log.WithFields(fields)
}

type hostHooks struct{ h *Host }

// Register adds fn to the hook registry. A tenant bound host ignores events
// of other tenants.
func (r hostHooks) Register(name string, fn plugins.HookFunc) error {
	if fn == nil {
		return nil
	}
	h := r.h
	h.mu.Lock()
	h.hookNames = append(h.hookNames, name)
	h.mu.Unlock()

	if h.cfg.Hooks == nil {
		return nil
	}
	tenant := h.cfg.TenantID
	h.cfg.Hooks.RegisterLocal(name, h.cfg.PluginID, func(ctx context.Context, payload json.RawMessage, meta plugins.HookMeta) (json.RawMessage, error) {
		if tenant != "" && meta.TenantID != "" && meta.TenantID != tenant {
			return nil, nil
		}
		return fn(ctx, payload, meta)
	})
	return nil
}

type hostAPI struct{ h *Host }

func (a hostAPI) RegisterRoute(method, path string, fn plugins.RouteFunc) error {
	h := a.h
	if h.cfg.Routes != nil {
		err := h.cfg.Routes.RegisterPluginRoute(h.cfg.PluginID, method, path, func(ctx context.Context, call routes.Call) (*plugins.RouteResponse, error) {
			return fn(ctx, call.Req)
		})
		if err != nil {
			return err
		}
	}

	h.mu.Lock()
	h.routeKeys = append(h.routeKeys, plugins.RouteKey(method, path))
	h.mu.Unlock()
	return nil
}

type hostExtensions struct{ h *Host }

func (e hostExtensions) AddMenuItem(label, path string) {
	e.add(plugins.Extension{Kind: plugins.ExtensionAdminMenu, Label: label, Path: path})
}

func (e hostExtensions) RegisterBlock(name string, schema json.RawMessage) {
	e.add(plugins.Extension{Kind: plugins.ExtensionEditorBlock, Name: name, Schema: schema})
}

func (e hostExtensions) add(ext plugins.Extension) {
	ext.PluginID = e.h.cfg.PluginID
	ext.TenantID = e.h.cfg.TenantID
	e.h.mu.Lock()
	e.h.extensions = append(e.h.extensions, ext)
	e.h.mu.Unlock()
}
