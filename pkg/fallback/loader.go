// Package fallback loads plugins in-process when a sandbox worker cannot be
// established.
//
// Scripts (*.lua) are evaluated in a restricted gopher-lua state: only the
// base, table, string and math libraries are opened, file and module loading
// functions are removed, and evaluation is aborted after a timeout. Every
// other package resolves against the catalog of plugins compiled into the
// host.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/plugins"
)

// Default time bounds
const (
	DefaultLoadTimeout = 2 * time.Second
	DefaultCallTimeout = 10 * time.Second
)

// ErrNoImplementation is returned for packages that are neither scripts nor
// compiled into the host
var ErrNoImplementation = errors.New("no in-process implementation")

// Loader produces in-process plugins
type Loader struct {
	catalog     *plugins.Catalog
	loadTimeout time.Duration
	callTimeout time.Duration
	log         *logrus.Entry
	metrics     *observability.PluginMetrics
}

// NewLoader creates a Loader. catalog may be nil.
func NewLoader(catalog *plugins.Catalog, loadTimeout, callTimeout time.Duration, log logrus.FieldLogger, metrics *observability.PluginMetrics) *Loader {
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	if log == nil {
		log = logrus.New()
	}
	return &Loader{
		catalog:     catalog,
		loadTimeout: loadTimeout,
		callTimeout: callTimeout,
		log:         observability.Component(log, "fallback"),
		metrics:     metrics,
	}
}

// Load returns a validated plugin for pkg. An error means the package cannot
// run in-process.
func (l *Loader) Load(ctx context.Context, pkg plugins.Package) (p plugins.Plugin, err error) {
	defer func() {
		l.metrics.RecordFallbackLoad(pkg.ID, err)
		if err != nil {
			l.log.WithError(err).WithField(observability.FieldPluginID, pkg.ID).Warn("in-process load failed")
		}
	}()

	if pkg.Kind == plugins.KindLua {
		return LoadLua(ctx, pkg.EntryPath, l.loadTimeout, l.callTimeout)
	}
	return l.fromCatalog(pkg.ID)
}

func (l *Loader) fromCatalog(id string) (plugins.Plugin, error) {
	if l.catalog == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoImplementation, id)
	}
	factory, ok := l.catalog.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoImplementation, id)
	}
	p := factory()
	if err := plugins.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Close releases resources held by p, such as a script state
func Close(p plugins.Plugin) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
