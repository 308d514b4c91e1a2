package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/platinummonkey/plugind/pkg/plugins"
)

var (
	// ErrLoadTimeout is returned when script evaluation exceeds the load timeout
	ErrLoadTimeout = errors.New("plugin evaluation timed out")

	// ErrClosed is returned by calls into a closed script plugin
	ErrClosed = errors.New("plugin closed")
)

// globals removed from every script state
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "_printregs"}

func newRestrictedState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open lua library %q: %w", lib.name, err)
		}
	}
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	noop := L.NewFunction(func(*lua.LState) int { return 0 })
	L.SetGlobal("print", noop)
	console := L.NewTable()
	for _, method := range []string{"log", "debug", "info", "warn", "error"} {
		L.SetField(console, method, noop)
	}
	L.SetGlobal("console", console)

	module := L.NewTable()
	exports := L.NewTable()
	L.SetField(module, "exports", exports)
	L.SetGlobal("module", module)
	L.SetGlobal("exports", exports)
	return L, nil
}

// LoadLua evaluates a script in a restricted state and validates the plugin
// table it exports. Evaluation is aborted after loadTimeout; every later call
// into the plugin is bounded by callTimeout.
func LoadLua(ctx context.Context, path string, loadTimeout, callTimeout time.Duration) (plugins.Plugin, error) {
	L, err := newRestrictedState()
	if err != nil {
		return nil, err
	}

	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	L.SetContext(loadCtx)

	fn, err := L.LoadFile(path)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to compile %s: %w", path, err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		L.Close()
		if loadCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrLoadTimeout, path)
		}
		return nil, fmt.Errorf("failed to evaluate %s: %w", path, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	L.RemoveContext()

	p, err := newLuaPlugin(L, exportedTable(L, ret), callTimeout)
	if err != nil {
		L.Close()
		return nil, err
	}
	if err := plugins.Validate(p); err != nil {
		L.Close()
		return nil, err
	}
	return p, nil
}

// exportedTable picks the plugin table: the chunk's return value, else
// module.exports, else exports.
func exportedTable(L *lua.LState, ret lua.LValue) *lua.LTable {
	if t, ok := ret.(*lua.LTable); ok {
		return t
	}
	if module, ok := L.GetGlobal("module").(*lua.LTable); ok {
		if t, ok := module.RawGetString("exports").(*lua.LTable); ok && t.Len()+countKeys(t) > 0 {
			return t
		}
	}
	if t, ok := L.GetGlobal("exports").(*lua.LTable); ok {
		return t
	}
	return nil
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(_, _ lua.LValue) { n++ })
	return n
}

type luaPlugin struct {
	mu     sync.Mutex
	L      *lua.LState
	closed bool

	info     plugins.Info
	register *lua.LFunction
	hooks    map[string]plugins.HookFunc
	routes   map[string]plugins.RouteFunc
	timeout  time.Duration
}

func newLuaPlugin(L *lua.LState, t *lua.LTable, timeout time.Duration) (*luaPlugin, error) {
	if t == nil {
		return nil, &plugins.ShapeError{Problem: "script exports no plugin table"}
	}

	id, ok := t.RawGetString("id").(lua.LString)
	if !ok || id == "" {
		return nil, &plugins.ShapeError{Problem: "missing id"}
	}
	p := &luaPlugin{
		L: L,
		info: plugins.Info{
			ID:      string(id),
			Name:    optString(t, "name"),
			Version: optString(t, "version"),
		},
		timeout: timeout,
	}

	register, ok := t.RawGetString("register").(*lua.LFunction)
	if !ok {
		return nil, &plugins.ShapeError{PluginID: p.info.ID, Problem: "register is not a function"}
	}
	p.register = register

	hooks, err := functionTable(t, "hooks", p.info.ID)
	if err != nil {
		return nil, err
	}
	if hooks != nil {
		p.hooks = make(map[string]plugins.HookFunc, len(hooks))
		for name, fn := range hooks {
			p.hooks[name] = p.hookFunc(fn)
		}
	}

	routes, err := functionTable(t, "routes", p.info.ID)
	if err != nil {
		return nil, err
	}
	if routes != nil {
		p.routes = make(map[string]plugins.RouteFunc, len(routes))
		for key, fn := range routes {
			p.routes[key] = p.routeFunc(fn)
		}
	}
	return p, nil
}

func optString(t *lua.LTable, key string) string {
	if s, ok := t.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

// functionTable reads an optional table of string keyed functions
func functionTable(t *lua.LTable, key, pluginID string) (map[string]*lua.LFunction, error) {
	v := t.RawGetString(key)
	if v == lua.LNil {
		return nil, nil
	}
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, &plugins.ShapeError{PluginID: pluginID, Problem: key + " is not a table"}
	}

	out := make(map[string]*lua.LFunction)
	var shapeErr error
	tbl.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			shapeErr = &plugins.ShapeError{PluginID: pluginID, Problem: fmt.Sprintf("%s key %s is not a string", key, k.String())}
			return
		}
		fn, ok := v.(*lua.LFunction)
		if !ok {
			shapeErr = &plugins.ShapeError{PluginID: pluginID, Problem: fmt.Sprintf("%s entry %q is not a function", key, string(name))}
			return
		}
		out[string(name)] = fn
	})
	if shapeErr != nil {
		return nil, shapeErr
	}
	return out, nil
}

func (p *luaPlugin) Info() plugins.Info                   { return p.info }
func (p *luaPlugin) Hooks() map[string]plugins.HookFunc   { return p.hooks }
func (p *luaPlugin) Routes() map[string]plugins.RouteFunc { return p.routes }

// Register calls the script's register function with a table mirroring host
func (p *luaPlugin) Register(ctx context.Context, host plugins.Host) error {
	_, err := p.call(ctx, p.register, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{p.hostTable(L, host)}
	})
	if err != nil {
		return fmt.Errorf("register of %s failed: %w", p.info.ID, err)
	}
	return nil
}

// Close releases the script state. Later calls fail with ErrClosed.
func (p *luaPlugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.L.Close()
	}
	return nil
}

// call runs fn with the arguments built by args. Calls are serialized since
// a script state is single threaded.
func (p *luaPlugin) call(ctx context.Context, fn *lua.LFunction, args func(L *lua.LState) []lua.LValue) (ret interface{}, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	top := p.L.GetTop()
	if err := p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args(p.L)...); err != nil {
		p.L.SetTop(top)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	v := p.L.Get(-1)
	p.L.SetTop(top)
	return toGo(v), nil
}

func (p *luaPlugin) hookFunc(fn *lua.LFunction) plugins.HookFunc {
	return func(ctx context.Context, payload json.RawMessage, meta plugins.HookMeta) (json.RawMessage, error) {
		data, err := decodeJSON(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid hook payload: %w", err)
		}
		metaValue, err := viaJSON(meta)
		if err != nil {
			return nil, err
		}

		out, err := p.call(ctx, fn, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{toLua(L, data), toLua(L, metaValue)}
		})
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		return json.Marshal(out)
	}
}

func (p *luaPlugin) routeFunc(fn *lua.LFunction) plugins.RouteFunc {
	return func(ctx context.Context, req plugins.RouteRequest) (*plugins.RouteResponse, error) {
		reqValue, err := viaJSON(req)
		if err != nil {
			return nil, err
		}
		out, err := p.call(ctx, fn, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{toLua(L, reqValue)}
		})
		if err != nil {
			return nil, err
		}
		return routeResponse(out)
	}
}

// routeResponse reads {status, headers, body} when the script returns such a
// table and treats any other value as the body.
func routeResponse(out interface{}) (*plugins.RouteResponse, error) {
	resp := &plugins.RouteResponse{}
	if out == nil {
		return resp, nil
	}

	m, ok := out.(map[string]interface{})
	_, hasStatus := m["status"]
	_, hasBody := m["body"]
	_, hasHeaders := m["headers"]
	if !ok || !(hasStatus || hasBody || hasHeaders) {
		body, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		resp.Body = body
		return resp, nil
	}

	if v, ok := m["status"]; ok && v != nil {
		status, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("%w: %v", plugins.ErrInvalidStatus, v)
		}
		if status < 200 || status > 599 {
			return nil, fmt.Errorf("%w: %d", plugins.ErrInvalidStatus, status)
		}
		resp.Status = int(status)
	}
	if headers, ok := m["headers"].(map[string]interface{}); ok {
		resp.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			resp.Headers[k] = fmt.Sprint(v)
		}
	}
	if body, ok := m["body"]; ok && body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		resp.Body = data
	}
	return resp, nil
}
