// Package orchestrator drives the plugin lifecycle: it discovers plugin
// packages, keeps the registry in sync, checks compatibility and approval, and
// registers every active tenant installation either in a sandbox worker or,
// when that fails, in-process.
//
// No single plugin can abort a run. Failures are logged with the plugin and
// tenant ids and recorded in the run Report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/plugind/pkg/compat"
	"github.com/platinummonkey/plugind/pkg/fallback"
	"github.com/platinummonkey/plugind/pkg/hooks"
	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/plugins"
	"github.com/platinummonkey/plugind/pkg/protocol"
	"github.com/platinummonkey/plugind/pkg/routes"
	"github.com/platinummonkey/plugind/pkg/sandbox"
	"github.com/platinummonkey/plugind/pkg/store"
)

// Registration modes
const (
	ModeSandbox  = "sandbox"
	ModeFallback = "fallback"
	ModeSkipped  = "skipped"
	ModeFailed   = "failed"
)

// Store is the part of the datastore the orchestrator needs
type Store interface {
	UpsertPlugin(ctx context.Context, id, name, version string) error
	UpdateManifest(ctx context.Context, id string, m store.Manifest) error
	DeactivateTenantPlugins(ctx context.Context, pluginID string) (int64, error)
	ListActiveInstallations(ctx context.Context) ([]*store.Installation, error)
	IsApproved(ctx context.Context, id string) (bool, error)
}

// Options configures an Orchestrator
type Options struct {
	CoreVersion   string
	StartTimeout  time.Duration
	CallTimeout   time.Duration
	SlowThreshold time.Duration
	IdleTimeout   time.Duration
	// WorkerEnv is appended to the environment of every worker process
	WorkerEnv     []string

	Store     Store
	Discovery *plugins.Discovery
	// Catalog adds the plugins compiled into the host. Packages on disk take
	// precedence over catalog entries with the same id.
	Catalog   *plugins.Catalog
	Loader    *fallback.Loader
	Hooks     *hooks.Registry
	Mounter   *routes.Mounter
	Logger    logrus.FieldLogger
	Metrics   *observability.PluginMetrics
}

// Registration is the outcome for one tenant installation
type Registration struct {
	PluginID string `json:"pluginId"`
	TenantID string `json:"tenantId"`
	Mode     string `json:"mode"`
	Reason   string `json:"reason,omitempty"`
}

// Report summarizes a run
type Report struct {
	StartedAt     time.Time         `json:"startedAt"`
	Duration      time.Duration     `json:"duration"`
	Discovered    []string          `json:"discovered"`
	Incompatible  map[string]string `json:"incompatible,omitempty"`
	Invalid       map[string]string `json:"invalid,omitempty"`
	Registrations []Registration    `json:"registrations"`
}

// Count returns the number of registrations in mode
func (r *Report) Count(mode string) int {
	n := 0
	for _, reg := range r.Registrations {
		if reg.Mode == mode {
			n++
		}
	}
	return n
}

// active is a live registration owned by the current run
type active struct {
	pluginID   string
	tenantID   string
	instance   *sandbox.Instance
	plugin     plugins.Plugin
	extensions []plugins.Extension
}

func (a *active) close() {
	if a.instance != nil {
		a.instance.Close()
	}
	if a.plugin != nil {
		fallback.Close(a.plugin)
	}
}

// Orchestrator owns the registrations of every active installation
type Orchestrator struct {
	opts Options
	log  *logrus.Entry

	group singleflight.Group

	mu       sync.RWMutex
	table    *routeTable
	actives  []*active
	packages map[string]plugins.Package
	closed   bool
}

// New creates an orchestrator. Nothing is registered until Run.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Discovery == nil || opts.Hooks == nil || opts.Mounter == nil {
		return nil, fmt.Errorf("store, discovery, hooks and mounter are required")
	}
	if opts.Loader == nil {
		opts.Loader = fallback.NewLoader(opts.Catalog, 0, opts.CallTimeout, opts.Logger, opts.Metrics)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		opts:     opts,
		log:      observability.Component(opts.Logger, "orchestrator"),
		table:    newRouteTable(),
		packages: make(map[string]plugins.Package),
	}, nil
}

func (o *Orchestrator) currentTable() *routeTable {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.table
}

// Run performs a full sync. Concurrent calls share one run. The returned
// error reports infrastructure failures only; plugin failures are in the
// Report.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	v, err, _ := o.group.Do("run", func() (interface{}, error) {
		report, err := o.run(ctx)
		o.opts.Metrics.RecordOrchestratorRun(err)
		return report, err
	})
	report, _ := v.(*Report)
	return report, err
}

func (o *Orchestrator) run(ctx context.Context) (*Report, error) {
	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return nil, errors.New("orchestrator is closed")
	}

	report := &Report{
		StartedAt:    time.Now(),
		Incompatible: make(map[string]string),
		Invalid:      make(map[string]string),
	}
	o.log.Info("plugin sync started")

	pkgs, err := o.opts.Discovery.Discover(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to discover plugins: %w", err)
	}
	if o.opts.Catalog != nil {
		onDisk := make(map[string]bool, len(pkgs))
		for _, pkg := range pkgs {
			onDisk[pkg.ID] = true
		}
		for _, pkg := range o.opts.Catalog.Packages() {
			if !onDisk[pkg.ID] {
				pkgs = append(pkgs, pkg)
			}
		}
	}

	usable := make(map[string]plugins.Package, len(pkgs))
	for _, pkg := range pkgs {
		report.Discovered = append(report.Discovered, pkg.ID)
		if o.syncPackage(ctx, pkg, report) {
			usable[pkg.ID] = pkg
		}
	}
	rank := o.dependencyOrder(usable)

	installs, err := o.opts.Store.ListActiveInstallations(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list active installations: %w", err)
	}
	// dependencies register, and so run their hooks, ahead of dependents
	sort.SliceStable(installs, func(i, j int) bool {
		return rank[installs[i].PluginID] < rank[installs[j].PluginID]
	})

	// hook handlers and tenant route tables are rebuilt off the live path and
	// installed together by swap
	set := hooks.NewHandlerSet()
	table := newRouteTable()
	var actives []*active
	for _, inst := range installs {
		reg, a := o.registerInstallation(ctx, inst, usable, table, set)
		report.Registrations = append(report.Registrations, reg)
		o.opts.Metrics.RecordRegistration(reg.Mode)
		if a != nil {
			actives = append(actives, a)
		}
	}

	o.swap(table, set, actives, usable)

	report.Duration = time.Since(report.StartedAt)
	o.log.WithFields(logrus.Fields{
		"discovered":  len(report.Discovered),
		"sandboxed":   report.Count(ModeSandbox),
		"in_process":  report.Count(ModeFallback),
		"skipped":     report.Count(ModeSkipped),
		"failed":      report.Count(ModeFailed),
		"duration_ms": report.Duration.Milliseconds(),
	}).Info("plugin sync completed")
	return report, nil
}

// syncPackage introspects a package and brings its registry row up to date.
// It reports whether installations of the package may be registered.
func (o *Orchestrator) syncPackage(ctx context.Context, pkg plugins.Package, report *Report) bool {
	log := o.log.WithField(observability.FieldPluginID, pkg.ID)

	manifest := pkg.Manifest
	if manifest == nil {
		manifest = &plugins.Manifest{ID: pkg.ID}
	}
	if findings := plugins.ValidateManifest(manifest); plugins.HasErrors(findings) {
		reason := findings[0].String()
		report.Invalid[pkg.ID] = reason
		log.WithField("reason", reason).Warn("invalid plugin manifest, skipping plugin")
		return false
	}

	info := o.introspect(ctx, pkg, log)
	if info.ID != "" && info.ID != pkg.ID {
		log.WithField("declared_id", info.ID).Warn("plugin declares a different id than its package")
	}
	name, version := info.Name, info.Version
	if name == "" {
		name = manifest.Name
	}
	if version == "" {
		version = manifest.Version
	}
	if err := o.opts.Store.UpsertPlugin(ctx, pkg.ID, name, version); err != nil {
		log.WithError(err).Error("failed to record plugin in registry")
		return false
	}

	err := o.opts.Store.UpdateManifest(ctx, pkg.ID, store.Manifest{
		MinCoreVersion: manifest.MinCoreVersion,
		MaxCoreVersion: manifest.MaxCoreVersion,
		Dependencies:   manifest.Dependencies,
	})
	if err != nil {
		log.WithError(err).Error("failed to record plugin manifest")
	}

	result := compat.CheckManifest(manifest.MinCoreVersion, manifest.MaxCoreVersion, o.opts.CoreVersion)
	if !result.Compatible {
		report.Incompatible[pkg.ID] = result.Reason
		n, err := o.opts.Store.DeactivateTenantPlugins(ctx, pkg.ID)
		entry := log.WithFields(logrus.Fields{
			"reason":      result.Reason,
			"deactivated": n,
		})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("plugin incompatible with core version, tenant installations deactivated")
		return false
	}
	return true
}

// introspect reads the plugin's self description, preferring a sandbox
// worker. A zero Info means the plugin could not be loaded.
func (o *Orchestrator) introspect(ctx context.Context, pkg plugins.Package, log *logrus.Entry) plugins.Info {
	if pkg.Kind == plugins.KindExecutable {
		b, err := sandbox.NewBridge(o.sandboxConfig(pkg))
		if err == nil {
			if err = b.Start(ctx); err == nil {
				info := b.Info()
				b.Stop()
				return info
			}
		}
		log.WithError(err).Debug("sandbox introspection failed, trying in-process")
	}

	p, err := o.opts.Loader.Load(ctx, pkg)
	if err != nil {
		return plugins.Info{}
	}
	defer fallback.Close(p)
	return p.Info()
}

// dependencyOrder warns about unavailable or circular dependencies and
// ranks usable plugins so that dependencies come first.
func (o *Orchestrator) dependencyOrder(usable map[string]plugins.Package) map[string]int {
	graph := plugins.NewDependencyGraph()
	for id, pkg := range usable {
		var deps []string
		if pkg.Manifest != nil {
			deps = pkg.Manifest.Dependencies
		}
		graph.Add(id, deps)
	}
	for id, deps := range graph.Missing() {
		for _, dep := range deps {
			o.log.WithFields(logrus.Fields{
				observability.FieldPluginID: id,
				"dependency":                dep,
			}).Warn("plugin dependency is not available")
		}
	}

	order, err := graph.Order()
	if err != nil {
		o.log.WithError(err).Warn("plugin dependencies contain a cycle")
	}
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	return rank
}

func (o *Orchestrator) sandboxConfig(pkg plugins.Package) sandbox.Config {
	return sandbox.Config{
		PluginID:      pkg.ID,
		Path:          pkg.EntryPath,
		Env:           o.opts.WorkerEnv,
		StartTimeout:  o.opts.StartTimeout,
		CallTimeout:   o.opts.CallTimeout,
		SlowThreshold: o.opts.SlowThreshold,
		Logger:        o.opts.Logger,
		Metrics:       o.opts.Metrics,
	}
}

// registerInstallation registers one tenant installation. It never fails the
// run: every outcome is described by the returned Registration.
func (o *Orchestrator) registerInstallation(ctx context.Context, inst *store.Installation, usable map[string]plugins.Package, table *routeTable, set *hooks.HandlerSet) (reg Registration, a *active) {
	reg = Registration{PluginID: inst.PluginID, TenantID: inst.TenantID}
	log := o.log.WithFields(logrus.Fields{
		observability.FieldPluginID: inst.PluginID,
		observability.FieldTenantID: inst.TenantID,
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("plugin registration panicked")
			reg.Mode, reg.Reason, a = ModeFailed, fmt.Sprint(r), nil
		}
	}()

	pkg, ok := usable[inst.PluginID]
	if !ok {
		log.Warn("no usable plugin package for installation, skipping")
		reg.Mode, reg.Reason = ModeSkipped, "plugin not found"
		return reg, nil
	}

	approved, err := o.opts.Store.IsApproved(ctx, inst.PluginID)
	if err != nil {
		log.WithError(err).Warn("failed to read plugin approval, skipping")
		reg.Mode, reg.Reason = ModeSkipped, "approval unknown"
		return reg, nil
	}
	if !approved {
		log.Warn("plugin is not approved, skipping")
		reg.Mode, reg.Reason = ModeSkipped, "not approved"
		return reg, nil
	}

	// handlers of a failed attempt are never merged into set
	staged := hooks.NewHandlerSet()
	a, err = o.registerSandbox(ctx, pkg, inst, table, staged)
	if err == nil {
		set.Merge(staged)
		log.Info("plugin registered in sandbox")
		reg.Mode = ModeSandbox
		return reg, a
	}
	log.WithError(err).Warn("sandboxed registration failed, loading in-process")

	staged = hooks.NewHandlerSet()
	a, err = o.registerFallback(ctx, pkg, inst, table, staged)
	if err != nil {
		log.WithError(err).Error("in-process registration failed, skipping")
		reg.Mode, reg.Reason = ModeFailed, err.Error()
		return reg, nil
	}
	set.Merge(staged)
	log.Info("plugin registered in-process")
	reg.Mode = ModeFallback
	return reg, a
}

func registerPayload(inst *store.Installation) protocol.RegisterPayload {
	return protocol.RegisterPayload{
		TenantID: inst.TenantID,
		Context:  map[string]interface{}{"tenantId": inst.TenantID},
		Settings: inst.Config,
	}
}

// registerSandbox registers the installation through a worker that is stopped
// again afterwards. Calls are then served by a lazily started Instance.
func (o *Orchestrator) registerSandbox(ctx context.Context, pkg plugins.Package, inst *store.Installation, table *routeTable, set hooks.Registrar) (*active, error) {
	if pkg.Kind != plugins.KindExecutable {
		return nil, fmt.Errorf("%s package cannot run in a sandbox", pkg.Kind)
	}

	cfg := o.sandboxConfig(pkg)
	b, err := sandbox.NewBridge(cfg)
	if err != nil {
		return nil, err
	}
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	defer b.Stop()

	payload := registerPayload(inst)
	if err := b.Register(ctx, payload); err != nil {
		return nil, err
	}

	var declaredRoutes [][2]string
	for _, key := range b.DeclaredRoutes() {
		method, path := plugins.SplitRouteKey(key)
		if routes.ValidatePath(path) != nil {
			o.log.WithFields(logrus.Fields{
				observability.FieldPluginID: pkg.ID,
				"route":                     key,
			}).Warn("plugin declared an invalid route path, serving it through the catch-all route only")
			continue
		}
		if ok, err := b.RegisterRoute(ctx, method, path); err != nil || !ok {
			continue
		}
		declaredRoutes = append(declaredRoutes, [2]string{method, path})
	}

	hookNames := []string{hooks.HookEntityCreated}
	for _, hook := range b.DeclaredHooks() {
		if hook == hooks.HookEntityCreated {
			continue
		}
		if ok, err := b.RegisterHook(ctx, hook); err == nil && ok {
			hookNames = append(hookNames, hook)
		}
	}
	extensions := b.Extensions()

	instance := sandbox.NewInstance(cfg, payload, o.opts.IdleTimeout)
	invoke := func(ctx context.Context, call routes.Call) (*plugins.RouteResponse, error) {
		res, err := instance.CallRoute(ctx, call.Method, call.Path, call.Req)
		if err != nil {
			return nil, err
		}
		return res.Result, nil
	}

	dispatch := o.dispatch(pkg.ID)
	for _, r := range declaredRoutes {
		if err := o.opts.Mounter.RegisterPluginRoute(pkg.ID, r[0], r[1], dispatch); err != nil {
			instance.Close()
			return nil, err
		}
	}
	if err := o.opts.Mounter.MountCatchAll(pkg.ID, dispatch); err != nil {
		instance.Close()
		return nil, err
	}
	table.setCatchAll(pkg.ID, inst.TenantID, invoke)

	for _, hook := range hookNames {
		set.RegisterSandboxHandler(hook, pkg.ID, instance, inst.TenantID)
	}

	return &active{
		pluginID:   pkg.ID,
		tenantID:   inst.TenantID,
		instance:   instance,
		extensions: extensions,
	}, nil
}

// registerFallback loads the plugin in-process and runs its Register with a
// host that dual-registers hooks and binds routes under the tenant.
func (o *Orchestrator) registerFallback(ctx context.Context, pkg plugins.Package, inst *store.Installation, table *routeTable, set hooks.Registrar) (*active, error) {
	p, err := o.opts.Loader.Load(ctx, pkg)
	if err != nil {
		return nil, err
	}

	host := fallback.NewHost(fallback.HostConfig{
		PluginID: pkg.ID,
		TenantID: inst.TenantID,
		Settings: inst.Config,
		Hooks:    set,
		Routes:   tenantBinder{o: o, table: table, tenantID: inst.TenantID},
		Log:      o.opts.Logger,
	})
	if err := p.Register(ctx, host); err != nil {
		fallback.Close(p)
		return nil, err
	}

	// handlers a plugin exposes by name are bound as well
	if hp, ok := p.(plugins.HookProvider); ok {
		for name, fn := range hp.Hooks() {
			host.Hooks().Register(name, fn)
		}
	}
	if rp, ok := p.(plugins.RouteProvider); ok {
		keys := make([]string, 0, len(rp.Routes()))
		for key := range rp.Routes() {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			method, path := plugins.SplitRouteKey(key)
			if err := host.API().RegisterRoute(method, path, rp.Routes()[key]); err != nil {
				o.log.WithError(err).WithFields(logrus.Fields{
					observability.FieldPluginID: pkg.ID,
					"route":                     key,
				}).Warn("failed to mount plugin route")
			}
		}
	}

	return &active{
		pluginID:   pkg.ID,
		tenantID:   inst.TenantID,
		plugin:     p,
		extensions: host.Extensions(),
	}, nil
}

// swap installs the results of a run and releases the previous one
func (o *Orchestrator) swap(table *routeTable, set *hooks.HandlerSet, actives []*active, pkgs map[string]plugins.Package) {
	o.mu.Lock()
	old, oldActives := o.table, o.actives
	o.table, o.actives, o.packages = table, actives, pkgs
	o.opts.Hooks.Replace(set)
	o.mu.Unlock()

	for _, id := range old.pluginIDs() {
		if !table.has(id) {
			o.opts.Mounter.UnmountPlugin(id)
		}
	}
	for _, a := range oldActives {
		a.close()
	}
}

// DropPlugin unloads a plugin immediately: its routes answer 404, its hook
// handlers are removed and its workers stopped. It returns the number of
// registrations released.
func (o *Orchestrator) DropPlugin(pluginID string) int {
	o.mu.Lock()
	var keep, dropped []*active
	for _, a := range o.actives {
		if a.pluginID == pluginID {
			dropped = append(dropped, a)
		} else {
			keep = append(keep, a)
		}
	}
	o.actives = keep
	o.table.drop(pluginID)
	o.mu.Unlock()

	o.opts.Mounter.UnmountPlugin(pluginID)
	o.opts.Hooks.RemovePlugin(pluginID)
	for _, a := range dropped {
		a.close()
	}
	if len(dropped) > 0 {
		o.log.WithField(observability.FieldPluginID, pluginID).WithField("registrations", len(dropped)).Info("plugin unloaded")
	}
	return len(dropped)
}

// Extensions returns the admin and editor contributions of every current
// registration
func (o *Orchestrator) Extensions() []plugins.Extension {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []plugins.Extension
	for _, a := range o.actives {
		out = append(out, a.extensions...)
	}
	return out
}

// Packages returns the usable packages of the last run sorted by id
func (o *Orchestrator) Packages() []plugins.Package {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]plugins.Package, 0, len(o.packages))
	for _, pkg := range o.packages {
		out = append(out, pkg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close releases every registration. Later runs fail.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	actives := o.actives
	o.actives = nil
	o.closed = true
	o.mu.Unlock()

	for _, a := range actives {
		a.close()
	}
	return nil
}
