// Package hooks implements the hook registry: the fan-out dispatcher that runs
// in-process and sandboxed plugin handlers for named extension points.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/plugins"
	"github.com/platinummonkey/plugind/pkg/protocol"
)

// Canonical hook names
const (
	HookEntityCreated = "entity.created"
	HookOrderProcess  = "order.process"
)

// SandboxRef invokes a hook inside a sandboxed plugin
type SandboxRef interface {
	CallHook(ctx context.Context, hook string, payload json.RawMessage, meta plugins.HookMeta) (protocol.HookResult, error)
}

// LocalHandler is an in-process hook handler
type LocalHandler struct {
	PluginID string
	Fn       plugins.HookFunc
}

// SandboxHandler is a hook handler living in a sandbox. A non-empty TenantID
// restricts it to events of that tenant.
type SandboxHandler struct {
	PluginID string
	Ref      SandboxRef
	TenantID string
}

// Registrar accepts hook handlers. Registry and HandlerSet implement it.
type Registrar interface {
	RegisterLocal(hook, pluginID string, fn plugins.HookFunc)
	RegisterSandboxHandler(hook, pluginID string, ref SandboxRef, tenantID string)
}

// HandlerSet collects handlers off the live path; Registry.Replace installs
// it in one step. A HandlerSet is not safe for concurrent use.
type HandlerSet struct {
	local     map[string][]LocalHandler
	sandboxed map[string][]SandboxHandler
}

// NewHandlerSet creates an empty set
func NewHandlerSet() *HandlerSet {
	return &HandlerSet{
		local:     make(map[string][]LocalHandler),
		sandboxed: make(map[string][]SandboxHandler),
	}
}

// RegisterLocal appends an in-process handler for hook
func (s *HandlerSet) RegisterLocal(hook, pluginID string, fn plugins.HookFunc) {
	if fn == nil {
		return
	}
	s.local[hook] = append(s.local[hook], LocalHandler{PluginID: pluginID, Fn: fn})
}

// RegisterSandboxHandler appends a sandboxed handler for hook
func (s *HandlerSet) RegisterSandboxHandler(hook, pluginID string, ref SandboxRef, tenantID string) {
	if ref == nil {
		return
	}
	s.sandboxed[hook] = append(s.sandboxed[hook], SandboxHandler{PluginID: pluginID, Ref: ref, TenantID: tenantID})
}

// Len returns the number of handlers in the set
func (s *HandlerSet) Len() int {
	n := 0
	for _, hs := range s.local {
		n += len(hs)
	}
	for _, hs := range s.sandboxed {
		n += len(hs)
	}
	return n
}

// Merge appends every handler of other, keeping its order
func (s *HandlerSet) Merge(other *HandlerSet) {
	for hook, hs := range other.local {
		s.local[hook] = append(s.local[hook], hs...)
	}
	for hook, hs := range other.sandboxed {
		s.sandboxed[hook] = append(s.sandboxed[hook], hs...)
	}
}

func (s *HandlerSet) clone() *HandlerSet {
	c := NewHandlerSet()
	for hook, hs := range s.local {
		c.local[hook] = append([]LocalHandler(nil), hs...)
	}
	for hook, hs := range s.sandboxed {
		c.sandboxed[hook] = append([]SandboxHandler(nil), hs...)
	}
	return c
}

// Registry holds hook handlers. It is owned by the orchestrator and safe for
// concurrent use; handlers of one dispatch always run sequentially.
type Registry struct {
	log     *logrus.Entry
	metrics *observability.PluginMetrics

	mu           sync.RWMutex
	handlers     *HandlerSet
	transforming map[string]bool
}

// IsTransforming reports whether handlers of hook may replace its payload
func (r *Registry) IsTransforming(hook string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transforming[hook]
}

// RegisterLocal appends an in-process handler for hook
func (r *Registry) RegisterLocal(hook, pluginID string, fn plugins.HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers.RegisterLocal(hook, pluginID, fn)
}

// RegisterSandboxHandler appends a sandboxed handler for hook
func (r *Registry) RegisterSandboxHandler(hook, pluginID string, ref SandboxRef, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers.RegisterSandboxHandler(hook, pluginID, ref, tenantID)
}

// Replace swaps every handler for the contents of set. Dispatches already
// running finish with the handlers they started with. set stays owned by the
// caller.
func (r *Registry) Replace(set *HandlerSet) {
	next := set.clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = next
}

// CallHook runs every handler of hook and returns the resulting payload.
//
// In-process handlers run first, then sandboxed handlers, each in registration
// order. On a transforming hook a handler's non-nil result replaces the payload
// seen by the next handler. Handler errors are logged and skipped. Sandboxed
// handlers bound to a tenant are skipped when meta names a different tenant.
func (r *Registry) CallHook(ctx context.Context, hook string, data json.RawMessage, meta plugins.HookMeta) json.RawMessage {
	r.mu.RLock()
	local := append([]LocalHandler(nil), r.handlers.local[hook]...)
	sandboxed := append([]SandboxHandler(nil), r.handlers.sandboxed[hook]...)
	transforming := r.transforming[hook]
	r.mu.RUnlock()

	current := data
	for _, h := range local {
		out, err := r.runLocal(ctx, hook, h, current, meta)
		if err != nil {
			r.handlerLog(hook, h.PluginID, meta).WithError(err).Warn("hook handler failed")
			continue
		}
		if transforming && out != nil {
			current = out
		}
	}

	for _, h := range sandboxed {
		if h.TenantID != "" && meta.TenantID != "" && h.TenantID != meta.TenantID {
			continue
		}
		res, err := h.Ref.CallHook(ctx, hook, current, meta)
		if err != nil {
			r.handlerLog(hook, h.PluginID, meta).WithError(err).Warn("sandboxed hook handler failed")
			continue
		}
		if transforming && res.Modified {
			current = res.Payload
		}
	}

	return current
}

func (r *Registry) runLocal(ctx context.Context, hook string, h LocalHandler, payload json.RawMessage, meta plugins.HookMeta) (out json.RawMessage, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("hook handler panicked: %v", rec)
		}
		r.metrics.RecordInvocation(h.PluginID, observability.KindHook, time.Since(start), err, false)
	}()
	return h.Fn(ctx, payload, meta)
}

func (r *Registry) handlerLog(hook, pluginID string, meta plugins.HookMeta) *logrus.Entry {
	entry := r.log.WithFields(logrus.Fields{
		"hook":                      hook,
		observability.FieldPluginID: pluginID,
	})
	if meta.TenantID != "" {
		entry = entry.WithField(observability.FieldTenantID, meta.TenantID)
	}
	return entry
}

// LocalHandlers returns the in-process handlers of hook in registration order
func (r *Registry) LocalHandlers(hook string) []LocalHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]LocalHandler(nil), r.handlers.local[hook]...)
}

// SandboxHandlers returns the sandboxed handlers of hook in registration order
func (r *Registry) SandboxHandlers(hook string) []SandboxHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]SandboxHandler(nil), r.handlers.sandboxed[hook]...)
}

// Hooks returns every hook name with at least one handler
func (r *Registry) Hooks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for name, hs := range r.handlers.local {
		if len(hs) > 0 {
			seen[name] = true
		}
	}
	for name, hs := range r.handlers.sandboxed {
		if len(hs) > 0 {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemovePlugin drops every handler registered by pluginID
func (r *Registry) RemovePlugin(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for hook, hs := range r.handlers.local {
		kept := hs[:0]
		for _, h := range hs {
			if h.PluginID != pluginID {
				kept = append(kept, h)
			}
		}
		r.handlers.local[hook] = kept
	}
	for hook, hs := range r.handlers.sandboxed {
		kept := hs[:0]
		for _, h := range hs {
			if h.PluginID != pluginID {
				kept = append(kept, h)
			}
		}
		r.handlers.sandboxed[hook] = kept
	}
}
