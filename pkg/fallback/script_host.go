package fallback

import (
	"encoding/json"

	lua "github.com/yuin/gopher-lua"

	"github.com/platinummonkey/plugind/pkg/plugins"
)

// hostTable mirrors host as the ctx table a script's register receives:
//
//	ctx.tenantId, ctx.settings
//	ctx.logger.info(msg, meta)
//	ctx.hooks.register(name, fn)
//	ctx.api.registerRoute(method, path, fn)
//	ctx.admin.addMenuItem(label, path)
//	ctx.editor.registerBlock(name, schema)
func (p *luaPlugin) hostTable(L *lua.LState, host plugins.Host) *lua.LTable {
	ctx := L.NewTable()
	L.SetField(ctx, "tenantId", lua.LString(host.TenantID()))

	settings := host.Settings()
	if settings == nil {
		settings = map[string]interface{}{}
	}
	if generic, err := viaJSON(settings); err == nil {
		L.SetField(ctx, "settings", toLua(L, generic))
	}

	log := host.Logger()
	logger := L.NewTable()
	levels := map[string]func(string, map[string]interface{}){
		"debug": log.Debug,
		"info":  log.Info,
		"warn":  log.Warn,
		"error": log.Error,
	}
	for name, fn := range levels {
		fn := fn
		L.SetField(logger, name, L.NewFunction(func(L *lua.LState) int {
			meta, _ := toGo(L.Get(2)).(map[string]interface{})
			fn(L.ToStringMeta(L.Get(1)).String(), meta)
			return 0
		}))
	}
	L.SetField(ctx, "logger", logger)

	hooks := L.NewTable()
	L.SetField(hooks, "register", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		fn := L.CheckFunction(2)
		if err := host.Hooks().Register(name, p.hookFunc(fn)); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))
	L.SetField(ctx, "hooks", hooks)

	api := L.NewTable()
	L.SetField(api, "registerRoute", L.NewFunction(func(L *lua.LState) int {
		method := L.CheckString(1)
		path := L.CheckString(2)
		fn := L.CheckFunction(3)
		if err := host.API().RegisterRoute(method, path, p.routeFunc(fn)); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))
	L.SetField(ctx, "api", api)

	admin := L.NewTable()
	L.SetField(admin, "addMenuItem", L.NewFunction(func(L *lua.LState) int {
		host.Admin().AddMenuItem(L.CheckString(1), L.CheckString(2))
		return 0
	}))
	L.SetField(ctx, "admin", admin)

	editor := L.NewTable()
	L.SetField(editor, "registerBlock", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		var schema json.RawMessage
		if v := toGo(L.Get(2)); v != nil {
			schema, _ = json.Marshal(v)
		}
		host.Editor().RegisterBlock(name, schema)
		return 0
	}))
	L.SetField(ctx, "editor", editor)

	return ctx
}
