// Package plugins defines the plugin contract shared by the sandbox worker and
// the in-process fallback, plus manifest parsing and on-disk discovery.
//
// # Plugin Contract
//
// A plugin implements Plugin and optionally HookProvider and RouteProvider:
//
//	type greeter struct{}
//
//	func (greeter) Info() plugins.Info { return plugins.Info{ID: "greeter", Version: "1.0.0"} }
//
//	func (greeter) Register(ctx context.Context, host plugins.Host) error {
//		host.Logger().Info("greeter registered", nil)
//		return nil
//	}
//
//	func (greeter) Routes() map[string]plugins.RouteFunc {
//		return map[string]plugins.RouteFunc{"GET /hello": hello}
//	}
//
// Validate rejects plugins without an id or with empty hook/route entries and
// returns a *ShapeError wrapping ErrInvalidShape.
//
// # Manifests
//
// A package directory carries plugin.yaml (or plugin.yml), or a package.json
// descriptor as fallback:
//
//	id: greeter
//	name: Greeter
//	version: 1.2.0
//	entry: plugin
//	min_core_version: ">=1.0.0"
//	max_core_version: "<2.0.0"
//	dependencies: [audit]
//
// # Discovery
//
// Discovery lists sub-directories and top-level executables or *.lua files of
// the plugin directory. Catalog holds plugins linked into the host binary.
package plugins
