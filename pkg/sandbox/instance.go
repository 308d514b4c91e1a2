package sandbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/platinummonkey/plugind/pkg/plugins"
	"github.com/platinummonkey/plugind/pkg/protocol"
)

// DefaultIdleTimeout is how long an instance keeps its worker without calls
const DefaultIdleTimeout = 2 * time.Minute

// Instance is a tenant-bound plugin sandbox that starts its worker on first use
// and stops it again once idle. Every new worker is registered for the tenant
// before serving calls.
type Instance struct {
	cfg      Config
	register protocol.RegisterPayload
	idle     time.Duration

	mu     sync.Mutex
	bridge *Bridge
	active int
	timer  *time.Timer
	closed bool
}

// NewInstance creates an instance. No process is started until the first call.
func NewInstance(cfg Config, register protocol.RegisterPayload, idle time.Duration) *Instance {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Instance{cfg: cfg.withDefaults(), register: register, idle: idle}
}

// PluginID returns the plugin served by the instance
func (i *Instance) PluginID() string { return i.cfg.PluginID }

// TenantID returns the tenant the instance is registered for
func (i *Instance) TenantID() string { return i.register.TenantID }

// Running reports whether a worker is currently up
func (i *Instance) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bridge != nil && i.bridge.State() != StateStopped && i.bridge.State() != StateFailed
}

// acquire returns a ready bridge, starting and registering a new worker when needed
func (i *Instance) acquire(ctx context.Context) (*Bridge, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil, ErrStopped
	}
	if i.bridge != nil {
		switch i.bridge.State() {
		case StateReady, StateInvoking:
			i.active++
			return i.bridge, nil
		}
		i.bridge.Stop()
		i.bridge = nil
	}

	b, err := NewBridge(i.cfg)
	if err != nil {
		return nil, err
	}
	if err := b.Start(ctx); err != nil {
		b.Stop()
		return nil, err
	}
	if err := b.Register(ctx, i.register); err != nil {
		b.Stop()
		return nil, err
	}

	i.bridge = b
	i.active++
	return b, nil
}

func (i *Instance) release() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.active--
	if i.closed || i.active > 0 {
		return
	}
	if i.timer != nil {
		i.timer.Stop()
	}
	i.timer = time.AfterFunc(i.idle, i.stopIdle)
}

func (i *Instance) stopIdle() {
	i.mu.Lock()
	if i.active > 0 || i.bridge == nil {
		i.mu.Unlock()
		return
	}
	b := i.bridge
	i.bridge = nil
	i.mu.Unlock()

	b.log.Debug("stopping idle sandbox")
	b.Stop()
}

// CallRoute invokes a plugin route, starting the worker if needed
func (i *Instance) CallRoute(ctx context.Context, method, path string, req plugins.RouteRequest) (*RouteCallResult, error) {
	b, err := i.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer i.release()
	return b.CallRoute(ctx, method, path, req)
}

// CallHook invokes a plugin hook, starting the worker if needed
func (i *Instance) CallHook(ctx context.Context, hook string, payload json.RawMessage, meta plugins.HookMeta) (protocol.HookResult, error) {
	b, err := i.acquire(ctx)
	if err != nil {
		return protocol.HookResult{}, err
	}
	defer i.release()
	return b.CallHook(ctx, hook, payload, meta)
}

// Ping checks the worker, starting it if needed
func (i *Instance) Ping(ctx context.Context) (string, error) {
	b, err := i.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer i.release()
	return b.Ping(ctx)
}

// Close stops the worker and rejects further calls
func (i *Instance) Close() error {
	i.mu.Lock()
	i.closed = true
	if i.timer != nil {
		i.timer.Stop()
	}
	b := i.bridge
	i.bridge = nil
	i.mu.Unlock()

	if b != nil {
		return b.Stop()
	}
	return nil
}
