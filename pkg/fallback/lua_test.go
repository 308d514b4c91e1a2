package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/platinummonkey/plugind/pkg/hooks"
	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/plugins"
	"github.com/platinummonkey/plugind/pkg/routes"
)

const discountScript = `
local plugin = {
  id = "discount",
  name = "Discount",
  version = "1.2.0",
}

function plugin.register(ctx)
  ctx.logger.info("registered", { rate = ctx.settings.rate })
  ctx.admin.addMenuItem("Discounts", "/discounts")
  ctx.editor.registerBlock("banner", { type = "object" })

  ctx.hooks.register("order.process", function(order, meta)
    order.amount = order.amount * ctx.settings.rate
    order.tenant = meta.tenantId
    return order
  end)

  ctx.api.registerRoute("GET", "/quote", function(req)
    return { status = 201, headers = { ["X-Plugin"] = "discount" }, body = { item = req.query.item } }
  end)
end

plugin.hooks = {
  ["entity.created"] = function(entity) return nil end,
}

plugin.routes = {
  ["GET /ping"] = function(req) return { pong = true } end,
}

return plugin
`

func writeScript(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func loadScript(t *testing.T, src string) (plugins.Plugin, error) {
	t.Helper()
	p, err := LoadLua(context.Background(), writeScript(t, "plugin.lua", src), time.Second, time.Second)
	if p != nil {
		t.Cleanup(func() { Close(p) })
	}
	return p, err
}

func TestLoadLua_RegisterThroughHost(t *testing.T) {
	p, err := loadScript(t, discountScript)
	require.NoError(t, err)
	assert.Equal(t, plugins.Info{ID: "discount", Name: "Discount", Version: "1.2.0"}, p.Info())

	logger, logHook := test.NewNullLogger()
	registry := hooks.NewRegistry(logger, nil)
	router := mux.NewRouter()
	mounter := routes.NewMounter(router, logger, nil)

	host := NewHost(HostConfig{
		PluginID: "discount",
		TenantID: "t1",
		Settings: map[string]interface{}{"rate": 2},
		Hooks:    registry,
		Routes:   mounter,
		Log:      logger,
	})
	require.NoError(t, p.Register(context.Background(), host))

	assert.Equal(t, []string{"order.process"}, host.RegisteredHooks())
	assert.Equal(t, []string{"GET /quote"}, host.RegisteredRoutes())

	exts := host.Extensions()
	require.Len(t, exts, 2)
	assert.Equal(t, plugins.ExtensionAdminMenu, exts[0].Kind)
	assert.Equal(t, "Discounts", exts[0].Label)
	assert.Equal(t, plugins.ExtensionEditorBlock, exts[1].Kind)
	assert.JSONEq(t, `{"type":"object"}`, string(exts[1].Schema))
	assert.Equal(t, "t1", exts[1].TenantID)

	entry := logHook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "registered", entry.Message)
	assert.Equal(t, "discount", entry.Data[observability.FieldPluginID])
	assert.Equal(t, "t1", entry.Data[observability.FieldTenantID])
	assert.Equal(t, int64(2), entry.Data["rate"])

	out := registry.CallHook(context.Background(), hooks.HookOrderProcess,
		json.RawMessage(`{"amount":10}`), plugins.HookMeta{TenantID: "t1"})
	assert.JSONEq(t, `{"amount":20,"tenant":"t1"}`, string(out))

	// events of another tenant do not reach a tenant bound plugin
	out = registry.CallHook(context.Background(), hooks.HookOrderProcess,
		json.RawMessage(`{"amount":10}`), plugins.HookMeta{TenantID: "t2"})
	assert.JSONEq(t, `{"amount":10}`, string(out))

	req := httptest.NewRequest(http.MethodGet, "/api/plugin/discount/quote?item=book", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "discount", rec.Header().Get("X-Plugin"))
	assert.JSONEq(t, `{"item":"book"}`, rec.Body.String())
}

func TestLoadLua_ProvidedHooksAndRoutes(t *testing.T) {
	p, err := loadScript(t, discountScript)
	require.NoError(t, err)

	hp, ok := p.(plugins.HookProvider)
	require.True(t, ok)
	out, err := hp.Hooks()["entity.created"](context.Background(), json.RawMessage(`{"id":1}`), plugins.HookMeta{})
	require.NoError(t, err)
	assert.Nil(t, out)

	rp, ok := p.(plugins.RouteProvider)
	require.True(t, ok)
	fn, ok := plugins.LookupRoute(rp.Routes(), http.MethodGet, "/ping")
	require.True(t, ok)
	resp, err := fn(context.Background(), plugins.RouteRequest{Method: http.MethodGet, Path: "/ping"})
	require.NoError(t, err)
	assert.Zero(t, resp.Status)
	assert.JSONEq(t, `{"pong":true}`, string(resp.Body))
}

func TestLoadLua_ModuleExports(t *testing.T) {
	p, err := loadScript(t, `
module.exports.id = "exported"
module.exports.register = function(ctx) end
`)
	require.NoError(t, err)
	assert.Equal(t, "exported", p.Info().ID)

	p, err = loadScript(t, `
exports.id = "bare"
exports.register = function(ctx) end
`)
	require.NoError(t, err)
	assert.Equal(t, "bare", p.Info().ID)
}

func TestLoadLua_RestrictedEnvironment(t *testing.T) {
	p, err := loadScript(t, `
for _, name in ipairs({"dofile", "loadfile", "load", "loadstring", "require", "os", "io", "debug", "package"}) do
  if _G[name] ~= nil then error("global " .. name .. " is reachable") end
end
console.log("quiet")
print("quiet")
return { id = "sealed", register = function(ctx) end, upper = string.upper("x"), n = math.floor(1.5) }
`)
	require.NoError(t, err)
	assert.Equal(t, "sealed", p.Info().ID)

	_, err = loadScript(t, `os.execute("true")`)
	assert.Error(t, err)

	_, err = loadScript(t, `require("io")`)
	assert.Error(t, err)
}

func TestLoadLua_Timeout(t *testing.T) {
	path := writeScript(t, "spin.lua", `while true do end`)

	start := time.Now()
	_, err := LoadLua(context.Background(), path, 100*time.Millisecond, time.Second)
	assert.ErrorIs(t, err, ErrLoadTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLoadLua_CallTimeout(t *testing.T) {
	path := writeScript(t, "slow.lua", `
return {
  id = "slow",
  register = function(ctx) end,
  hooks = { ["entity.created"] = function() while true do end end },
}
`)
	p, err := LoadLua(context.Background(), path, time.Second, 100*time.Millisecond)
	require.NoError(t, err)
	defer Close(p)

	_, err = p.(plugins.HookProvider).Hooks()["entity.created"](context.Background(), json.RawMessage(`{}`), plugins.HookMeta{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the state stays usable after an aborted call
	require.NoError(t, p.Register(context.Background(), NewHost(HostConfig{PluginID: "slow"})))
}

func TestLoadLua_ShapeErrors(t *testing.T) {
	tests := map[string]string{
		"no table":          `local x = 1`,
		"missing id":        `return { register = function() end }`,
		"empty id":          `return { id = "", register = function() end }`,
		"register missing":  `return { id = "a" }`,
		"hooks not a table": `return { id = "a", register = function() end, hooks = "x" }`,
		"hook not function": `return { id = "a", register = function() end, hooks = { x = 1 } }`,
		"blank route key":   `return { id = "a", register = function() end, routes = { [" "] = function() end } }`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadScript(t, src)
			assert.ErrorIs(t, err, plugins.ErrInvalidShape)
		})
	}
}

func TestLoadLua_ScriptErrors(t *testing.T) {
	_, err := loadScript(t, `return {`)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile")

	_, err = loadScript(t, `error("nope")`)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	_, err = LoadLua(context.Background(), filepath.Join(t.TempDir(), "missing.lua"), time.Second, time.Second)
	assert.Error(t, err)
}

func TestLuaPlugin_HandlerErrors(t *testing.T) {
	p, err := loadScript(t, `
return {
  id = "faulty",
  register = function(ctx)
    ctx.api.registerRoute("GET", "/../escape", function() end)
  end,
  hooks = { ["order.process"] = function() error("bad order") end },
}
`)
	require.NoError(t, err)

	_, err = p.(plugins.HookProvider).Hooks()["order.process"](context.Background(), json.RawMessage(`{}`), plugins.HookMeta{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bad order")

	router := mux.NewRouter()
	host := NewHost(HostConfig{PluginID: "faulty", Routes: routes.NewMounter(router, nil, nil)})
	err = p.Register(context.Background(), host)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
	assert.Empty(t, host.RegisteredRoutes())
}

func TestLuaPlugin_Close(t *testing.T) {
	p, err := loadScript(t, discountScript)
	require.NoError(t, err)
	require.NoError(t, Close(p))
	require.NoError(t, Close(p))

	_, err = p.(plugins.HookProvider).Hooks()["entity.created"](context.Background(), json.RawMessage(`{}`), plugins.HookMeta{})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestToGo_Numbers(t *testing.T) {
	assert.Equal(t, int64(42), toGo(lua.LNumber(42)))
	assert.Equal(t, int64(-7), toGo(lua.LNumber(-7)))
	assert.Equal(t, int64(math.MinInt64), toGo(lua.LNumber(math.MinInt64)))
	assert.Equal(t, 1.5, toGo(lua.LNumber(1.5)))
	assert.Equal(t, 1e300, toGo(lua.LNumber(1e300)))
	assert.Equal(t, -1e300, toGo(lua.LNumber(-1e300)))
	assert.Equal(t, math.Exp2(63), toGo(lua.LNumber(math.Exp2(63))))
	assert.IsType(t, float64(0), toGo(lua.LNumber(math.Inf(1))))
}

func TestRouteResponse(t *testing.T) {
	resp, err := routeResponse(nil)
	require.NoError(t, err)
	assert.Equal(t, &plugins.RouteResponse{}, resp)

	resp, err = routeResponse([]interface{}{int64(1), "two"})
	require.NoError(t, err)
	assert.JSONEq(t, `[1,"two"]`, string(resp.Body))

	resp, err = routeResponse(map[string]interface{}{"status": int64(404)})
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
	assert.Nil(t, resp.Body)

	for _, status := range []interface{}{int64(42), int64(600), int64(1) << 40, 1e300, "200"} {
		_, err = routeResponse(map[string]interface{}{"status": status, "body": "x"})
		assert.ErrorIs(t, err, plugins.ErrInvalidStatus, "status %v", status)
	}
}

func TestHost_LoggerKeepsAttribution(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	host := NewHost(HostConfig{PluginID: "p1", TenantID: "t1", Log: logger})

	host.Logger().Debug("spoof", map[string]interface{}{
		observability.FieldPluginID: "other",
		observability.FieldTenantID: "t9",
		"key":                       "v",
	})

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, "p1", entry.Data[observability.FieldPluginID])
	assert.Equal(t, "t1", entry.Data[observability.FieldTenantID])
	assert.Equal(t, "v", entry.Data["key"])
}
