// Package admin serves the operator API of the plugin runtime: the registry,
// approvals, tenant installations, plugin logs and slow call statistics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugind/pkg/httputil"
	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/orchestrator"
	"github.com/platinummonkey/plugind/pkg/plugins"
	"github.com/platinummonkey/plugind/pkg/store"
)

// DefaultStatsWindow is the period covered by /stats without a window parameter
const DefaultStatsWindow = 24 * time.Hour

// Store is the registry access the admin API needs
type Store interface {
	ListPlugins(ctx context.Context) ([]*store.Plugin, error)
	GetPlugin(ctx context.Context, id string) (*store.Plugin, error)
	Approve(ctx context.Context, id string) error
	RevokeApproval(ctx context.Context, id string) (int64, error)
	ListInstallations(ctx context.Context, pluginID string) ([]*store.Installation, error)
	UpsertInstallation(ctx context.Context, inst store.Installation) error
	ListLogs(ctx context.Context, filter store.LogFilter) ([]*store.LogEntry, error)
	InvocationStats(ctx context.Context, pluginID string, since time.Time) (*store.InvocationStats, error)
}

// Runtime is the live plugin runtime
type Runtime interface {
	Run(ctx context.Context) (*orchestrator.Report, error)
	DropPlugin(pluginID string) int
	Extensions() []plugins.Extension
	Packages() []plugins.Package
}

// Handlers provides the admin HTTP handlers
type Handlers struct {
	store   Store
	runtime Runtime
	log     *logrus.Entry
}

// NewHandlers creates admin handlers
func NewHandlers(s Store, runtime Runtime, log logrus.FieldLogger) *Handlers {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handlers{
		store:   s,
		runtime: runtime,
		log:     observability.Component(log, "admin"),
	}
}

// RegisterRoutes registers the admin routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Registry
	router.HandleFunc("/admin/plugins", h.ListPlugins).Methods("GET")
	router.HandleFunc("/admin/plugins/{id}", h.GetPlugin).Methods("GET")
	router.HandleFunc("/admin/plugins/{id}/approve", h.ApprovePlugin).Methods("POST")
	router.HandleFunc("/admin/plugins/{id}/revoke", h.RevokePlugin).Methods("POST")

	// Tenant installations
	router.HandleFunc("/admin/tenants/{tenant}/plugins/{id}", h.SetInstallation).Methods("PUT")

	// Logs and statistics
	router.HandleFunc("/admin/plugins/{id}/logs", h.PluginLogs).Methods("GET")
	router.HandleFunc("/admin/plugins/{id}/stats", h.PluginStats).Methods("GET")

	// Runtime
	router.HandleFunc("/admin/extensions", h.ListExtensions).Methods("GET")
	router.HandleFunc("/admin/packages", h.ListPackages).Methods("GET")
	router.HandleFunc("/admin/sync", h.Sync).Methods("POST")
}

// PluginDetail is a registry row with its tenant installations
type PluginDetail struct {
	*store.Plugin
	Installations []*store.Installation `json:"installations"`
}

// RevokeResult describes a revocation
type RevokeResult struct {
	PluginID    string `json:"pluginId"`
	Deactivated int64  `json:"deactivated"`
	Unloaded    int    `json:"unloaded"`
}

// writeStoreError maps store failures onto responses
func (h *Handlers) writeStoreError(w http.ResponseWriter, err error, pluginID string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.WriteNotFoundError(w, "plugin not found")
	case errors.Is(err, store.ErrNotMigrated):
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.WithError(err).WithField(observability.FieldPluginID, pluginID).Error("admin store operation failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// ListPlugins lists the registry
func (h *Handlers) ListPlugins(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListPlugins(r.Context())
	if err != nil {
		h.writeStoreError(w, err, "")
		return
	}
	if list == nil {
		list = []*store.Plugin{}
	}
	httputil.WriteSuccess(w, list)
}

// GetPlugin returns one registry row and its installations
func (h *Handlers) GetPlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	p, err := h.store.GetPlugin(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, id)
		return
	}
	installs, err := h.store.ListInstallations(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, id)
		return
	}
	if installs == nil {
		installs = []*store.Installation{}
	}
	httputil.WriteSuccess(w, PluginDetail{Plugin: p, Installations: installs})
}

// ApprovePlugin marks a plugin approved. Installations are registered on the
// next sync.
func (h *Handlers) ApprovePlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()

	if err := h.store.Approve(ctx, id); err != nil {
		h.writeStoreError(w, err, id)
		return
	}
	h.log.WithField(observability.FieldPluginID, id).Info("plugin approved")

	p, err := h.store.GetPlugin(ctx, id)
	if err != nil {
		h.writeStoreError(w, err, id)
		return
	}
	httputil.WriteSuccess(w, p)
}

// RevokePlugin withdraws approval, deactivates every installation and unloads
// the plugin from the running host
func (h *Handlers) RevokePlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	n, err := h.store.RevokeApproval(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, id)
		return
	}
	result := RevokeResult{PluginID: id, Deactivated: n}
	if h.runtime != nil {
		result.Unloaded = h.runtime.DropPlugin(id)
	}

	h.log.WithFields(logrus.Fields{
		observability.FieldPluginID: id,
		"deactivated":               result.Deactivated,
		"unloaded":                  result.Unloaded,
	}).Info("plugin approval revoked")
	httputil.WriteSuccess(w, result)
}

// SetInstallation turns a plugin on or off for a tenant
func (h *Handlers) SetInstallation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		IsActive *bool                  `json:"isActive"`
		Config   map[string]interface{} `json:"config"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	inst := store.Installation{
		TenantID: vars["tenant"],
		PluginID: vars["id"],
		IsActive: req.IsActive == nil || *req.IsActive,
		Config:   req.Config,
	}

	if err := h.store.UpsertInstallation(r.Context(), inst); err != nil {
		h.writeStoreError(w, err, inst.PluginID)
		return
	}
	h.log.WithFields(logrus.Fields{
		observability.FieldPluginID: inst.PluginID,
		observability.FieldTenantID: inst.TenantID,
		"active":                    inst.IsActive,
	}).Info("tenant installation updated")
	httputil.WriteSuccess(w, inst)
}

// PluginLogs lists persisted log entries of a plugin. Query parameters:
// tenant, level, message, since (RFC 3339) and limit.
func (h *Handlers) PluginLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	filter := store.LogFilter{
		PluginID: id,
		TenantID: httputil.ParseQueryString(r, "tenant", ""),
		Message:  httputil.ParseQueryString(r, "message", ""),
	}
	if level := httputil.ParseQueryString(r, "level", ""); level != "" {
		filter.Level = store.ParseLevel(level)
	}
	if since := httputil.ParseQueryString(r, "since", ""); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid since: must be RFC 3339")
			return
		}
		filter.Since = t
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil || limit < 0 {
		httputil.WriteBadRequest(w, "invalid limit")
		return
	}
	filter.Limit = limit

	entries, err := h.store.ListLogs(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, err, id)
		return
	}
	if entries == nil {
		entries = []*store.LogEntry{}
	}
	httputil.WriteSuccess(w, entries)
}

// PluginStats summarizes invocation timings of a plugin over window (a Go
// duration, default 24h)
func (h *Handlers) PluginStats(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	window := DefaultStatsWindow
	if raw := httputil.ParseQueryString(r, "window", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			httputil.WriteBadRequest(w, "invalid window")
			return
		}
		window = d
	}

	stats, err := h.store.InvocationStats(r.Context(), id, time.Now().Add(-window))
	if err != nil {
		h.writeStoreError(w, err, id)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// ListExtensions returns the admin and editor contributions of the running
// plugins, optionally for one tenant
func (h *Handlers) ListExtensions(w http.ResponseWriter, r *http.Request) {
	tenant := httputil.ParseQueryString(r, "tenant", "")
	out := []plugins.Extension{}
	if h.runtime != nil {
		for _, ext := range h.runtime.Extensions() {
			if tenant == "" || ext.TenantID == tenant {
				out = append(out, ext)
			}
		}
	}
	httputil.WriteSuccess(w, out)
}

// ListPackages returns the plugin packages usable in the last sync
func (h *Handlers) ListPackages(w http.ResponseWriter, r *http.Request) {
	out := []plugins.Package{}
	if h.runtime != nil {
		out = append(out, h.runtime.Packages()...)
	}
	httputil.WriteSuccess(w, out)
}

// Sync runs the orchestrator and returns its report
func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	if h.runtime == nil {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "plugin runtime not available")
		return
	}
	report, err := h.runtime.Run(r.Context())
	if err != nil {
		h.log.WithError(err).Error("plugin sync failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "plugin sync failed")
		return
	}
	httputil.WriteSuccess(w, report)
}
