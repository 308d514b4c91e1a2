// Package routes mounts plugin declared HTTP routes onto the shared router
// under a per-plugin namespace.
package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugind/pkg/contextkeys"
	"github.com/platinummonkey/plugind/pkg/httputil"
	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/plugins"
)

// DefaultPrefix is where plugin routes are mounted
const DefaultPrefix = "/api/plugin"

// MaxBodySize bounds the request body handed to a plugin
const MaxBodySize = 1 << 20

// Error bodies
const (
	ErrorPlugin        = "plugin_error"
	ErrorRouteNotFound = "route_not_found"
)

// anyMethod keys bindings that match every method
const anyMethod = "ANY"

var validPath = regexp.MustCompile(`^[a-zA-Z0-9_\-/]+$`)

// ErrInvalidPath is returned for plugin route paths that could escape the
// plugin namespace or inject into the URL
var ErrInvalidPath = errors.New("invalid plugin route path")

// Call is what an invoker receives for one request
type Call struct {
	Method string
	Path   string
	Req    plugins.RouteRequest
}

// Invoker runs a plugin route
type Invoker func(ctx context.Context, call Call) (*plugins.RouteResponse, error)

// ValidatePath checks a plugin declared route path
func ValidatePath(path string) error {
	switch {
	case !strings.HasPrefix(path, "/"):
		return fmt.Errorf("%w: %q must start with /", ErrInvalidPath, path)
	case strings.Contains(path, ".."):
		return fmt.Errorf("%w: %q must not contain ..", ErrInvalidPath, path)
	case !validPath.MatchString(path):
		return fmt.Errorf("%w: %q contains characters outside [a-zA-Z0-9_-/]", ErrInvalidPath, path)
	}
	return nil
}

type binding struct {
	pluginID string
	method   string
	path     string
	catchAll bool

	mu      sync.RWMutex
	invoker Invoker
	enabled bool
}

func (b *binding) get() (Invoker, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.invoker, b.enabled
}

func (b *binding) set(inv Invoker, enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invoker = inv
	b.enabled = enabled
}

// Binding describes a mounted route
type Binding struct {
	PluginID string `json:"pluginId"`
	Method   string `json:"method"`
	Path     string `json:"path"`
	Mount    string `json:"mount"`
	CatchAll bool   `json:"catchAll,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// Mounter owns the plugin routes of a router. mux routes cannot be removed, so
// a binding is mounted once and later re-registrations swap its invoker.
type Mounter struct {
	sub     *mux.Router
	prefix  string
	log     *logrus.Entry
	metrics *observability.PluginMetrics

	mu       sync.Mutex
	bindings map[string]*binding
	order    []string
}

// NewMounter creates a mounter serving plugin routes under DefaultPrefix of router
func NewMounter(router *mux.Router, log logrus.FieldLogger, metrics *observability.PluginMetrics) *Mounter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	sub := router.PathPrefix(DefaultPrefix).Subrouter()
	sub.UseEncodedPath()
	return &Mounter{
		sub:      sub,
		prefix:   DefaultPrefix,
		log:      observability.Component(log, "routes"),
		metrics:  metrics,
		bindings: make(map[string]*binding),
	}
}

// MountPath returns the externally visible path of a plugin route
func (m *Mounter) MountPath(pluginID, path string) string {
	return m.prefix + "/" + url.PathEscape(pluginID) + path
}

func bindingKey(pluginID, method, path string) string {
	return pluginID + "\x00" + method + "\x00" + path
}

func normalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" || method == "*" {
		return anyMethod
	}
	return method
}

// RegisterPluginRoute mounts METHOD /api/plugin/{pluginID}{path}. Registering
// the same plugin, method and path again replaces the invoker; exactly one
// handler serves the route.
func (m *Mounter) RegisterPluginRoute(pluginID, method, path string, invoker Invoker) error {
	if pluginID == "" {
		return fmt.Errorf("plugin id is required")
	}
	if invoker == nil {
		return fmt.Errorf("invoker is required")
	}
	if err := ValidatePath(path); err != nil {
		return err
	}
	method = normalizeMethod(method)

	m.mu.Lock()
	defer m.mu.Unlock()

	key := bindingKey(pluginID, method, path)
	if b, ok := m.bindings[key]; ok {
		b.set(invoker, true)
		return nil
	}

	b := &binding{pluginID: pluginID, method: method, path: path, invoker: invoker, enabled: true}
	route := m.sub.Handle("/"+url.PathEscape(pluginID)+path, m.handler(b))
	if method != anyMethod {
		route.Methods(method)
	}
	m.bindings[key] = b
	m.order = append(m.order, key)

	m.log.WithFields(logrus.Fields{
		observability.FieldPluginID: pluginID,
		"method":                    method,
		"mount":                     m.MountPath(pluginID, path),
	}).Debug("mounted plugin route")
	return nil
}

// MountCatchAll mounts every method and path below /api/plugin/{pluginID}/.
// The invoker receives the path relative to the plugin namespace. Routes
// mounted before it for the same plugin take precedence.
func (m *Mounter) MountCatchAll(pluginID string, invoker Invoker) error {
	if pluginID == "" {
		return fmt.Errorf("plugin id is required")
	}
	if invoker == nil {
		return fmt.Errorf("invoker is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := bindingKey(pluginID, anyMethod, "/*")
	if b, ok := m.bindings[key]; ok {
		b.set(invoker, true)
		return nil
	}

	b := &binding{pluginID: pluginID, method: anyMethod, path: "/*", catchAll: true, invoker: invoker, enabled: true}
	m.sub.PathPrefix("/" + url.PathEscape(pluginID) + "/").Handler(m.handler(b))
	m.bindings[key] = b
	m.order = append(m.order, key)
	return nil
}

// UnmountPlugin disables every route of pluginID. Requests to them answer 404
// until the plugin registers again.
func (m *Mounter) UnmountPlugin(pluginID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, b := range m.bindings {
		if b.pluginID == pluginID {
			inv, _ := b.get()
			b.set(inv, false)
			n++
		}
	}
	return n
}

// listBindings lists mounted routes in mount order
func (m *Mounter) listBindings() []Binding {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Binding, 0, len(m.order))
	for _, key := range m.order {
		b := m.bindings[key]
		_, enabled := b.get()
		out = append(out, Binding{
			PluginID: b.pluginID,
			Method:   b.method,
			Path:     b.path,
			Mount:    m.MountPath(b.pluginID, b.path),
			CatchAll: b.catchAll,
			Enabled:  enabled,
		})
	}
	return out
}

func (m *Mounter) handler(b *binding) http.Handler {
	nsPrefix := m.prefix + "/" + url.PathEscape(b.pluginID)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		invoker, enabled := b.get()
		if !enabled {
			httputil.WriteNotFoundError(w, ErrorRouteNotFound)
			return
		}

		path := b.path
		if b.catchAll {
			path = strings.TrimPrefix(r.URL.EscapedPath(), nsPrefix)
			if unescaped, err := url.PathUnescape(path); err == nil {
				path = unescaped
			}
		}

		ctx := contextkeys.WithPluginID(r.Context(), b.pluginID)
		log := observability.WithContext(m.log, ctx).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   path,
		})

		req, err := BuildRequest(r)
		if err != nil {
			log.WithError(err).Warn("failed to read plugin request")
			httputil.WriteBadRequest(w, "invalid request body")
			return
		}
		req.Path = path

		resp, err := invoke(ctx, invoker, Call{Method: r.Method, Path: path, Req: req})
		if err != nil {
			if errors.Is(err, plugins.ErrRouteNotFound) {
				httputil.WriteNotFoundError(w, ErrorRouteNotFound)
				return
			}
			if req.TenantID != "" {
				log = log.WithField(observability.FieldTenantID, req.TenantID)
			}
			log.WithError(err).Error("plugin route failed")
			httputil.WriteErrorMessage(w, http.StatusInternalServerError, ErrorPlugin)
			return
		}

		if err := WriteResponse(w, resp); err != nil {
			log.WithError(err).Error("plugin returned an invalid response")
			httputil.WriteErrorMessage(w, http.StatusInternalServerError, ErrorPlugin)
		}
	})
}

func invoke(ctx context.Context, invoker Invoker, call Call) (resp *plugins.RouteResponse, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			resp, err = nil, fmt.Errorf("plugin route panicked: %v", rec)
		}
	}()
	return invoker(ctx, call)
}

// WriteResponse writes a plugin route response: headers, then status (default
// 200) and body (default {}). An invalid response is rejected before anything
// is written.
func WriteResponse(w http.ResponseWriter, resp *plugins.RouteResponse) error {
	if resp == nil {
		resp = &plugins.RouteResponse{}
	}
	if err := resp.Validate(); err != nil {
		return err
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	httputil.WriteRawJSON(w, status, resp.Body)
	return nil
}

// strippedHeaders never reach plugin code
var strippedHeaders = map[string]bool{
	"Cookie":        true,
	"Authorization": true,
}

// BuildRequest projects r onto the serializable request handed to plugins
func BuildRequest(r *http.Request) (plugins.RouteRequest, error) {
	req := plugins.RouteRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		Params:   mux.Vars(r),
		TenantID: contextkeys.GetTenantID(r.Context()),
		UserID:   contextkeys.GetUserID(r.Context()),
	}
	if req.TenantID == "" {
		req.TenantID = r.Header.Get(httputil.HeaderTenantID)
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get(httputil.HeaderUserID)
	}

	if q := r.URL.Query(); len(q) > 0 {
		req.Query = make(map[string]string, len(q))
		for k := range q {
			req.Query[k] = q.Get(k)
		}
	}

	req.Headers = make(map[string]string, len(r.Header))
	for k := range r.Header {
		if strippedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		req.Headers[k] = r.Header.Get(k)
	}

	body, err := httputil.ReadJSONBody(r, MaxBodySize)
	if err != nil {
		return req, err
	}
	req.Body = body
	return req, nil
}
