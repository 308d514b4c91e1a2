package orchestrator

import (
	"context"
	"sync"

	"github.com/platinummonkey/plugind/pkg/plugins"
	"github.com/platinummonkey/plugind/pkg/routes"
)

// tenantRoutes are the handlers one installation contributes to a plugin's
// namespace
type tenantRoutes struct {
	exact    map[string]routes.Invoker
	catchAll routes.Invoker
}

// routeTable maps plugin id and tenant id to route handlers. Every run builds
// a fresh table; mounted bindings dispatch through whichever table is current.
type routeTable struct {
	mu      sync.RWMutex
	plugins map[string]map[string]*tenantRoutes
}

func newRouteTable() *routeTable {
	return &routeTable{plugins: make(map[string]map[string]*tenantRoutes)}
}

func (t *routeTable) entry(pluginID, tenantID string) *tenantRoutes {
	tenants, ok := t.plugins[pluginID]
	if !ok {
		tenants = make(map[string]*tenantRoutes)
		t.plugins[pluginID] = tenants
	}
	e, ok := tenants[tenantID]
	if !ok {
		e = &tenantRoutes{exact: make(map[string]routes.Invoker)}
		tenants[tenantID] = e
	}
	return e
}

func (t *routeTable) setExact(pluginID, tenantID, method, path string, inv routes.Invoker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(pluginID, tenantID).exact[plugins.RouteKey(method, path)] = inv
}

func (t *routeTable) setCatchAll(pluginID, tenantID string, inv routes.Invoker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(pluginID, tenantID).catchAll = inv
}

// lookup prefers "METHOD /path", then "/path", then the catch-all handler of
// the requesting tenant
func (t *routeTable) lookup(pluginID, tenantID, method, path string) routes.Invoker {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.plugins[pluginID][tenantID]
	if !ok {
		return nil
	}
	if inv, ok := e.exact[plugins.RouteKey(method, path)]; ok {
		return inv
	}
	if inv, ok := e.exact[path]; ok {
		return inv
	}
	return e.catchAll
}

func (t *routeTable) has(pluginID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.plugins[pluginID]) > 0
}

func (t *routeTable) pluginIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.plugins))
	for id := range t.plugins {
		out = append(out, id)
	}
	return out
}

func (t *routeTable) drop(pluginID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.plugins, pluginID)
}

// dispatch is the invoker every mounted binding calls. Requests are served by
// the installation of the requesting tenant.
func (o *Orchestrator) dispatch(pluginID string) routes.Invoker {
	return func(ctx context.Context, call routes.Call) (*plugins.RouteResponse, error) {
		inv := o.currentTable().lookup(pluginID, call.Req.TenantID, call.Method, call.Path)
		if inv == nil {
			return nil, plugins.ErrRouteNotFound
		}
		return inv(ctx, call)
	}
}

// tenantBinder is the route binder handed to in-process plugins. Handlers
// land in the table under the installation's tenant while the mounted
// binding dispatches by tenant.
type tenantBinder struct {
	o        *Orchestrator
	table    *routeTable
	tenantID string
}

func (b tenantBinder) RegisterPluginRoute(pluginID, method, path string, inv routes.Invoker) error {
	if err := b.o.opts.Mounter.RegisterPluginRoute(pluginID, method, path, b.o.dispatch(pluginID)); err != nil {
		return err
	}
	b.table.setExact(pluginID, b.tenantID, method, path, inv)
	return nil
}
