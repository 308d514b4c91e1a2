package fallback

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/plugins"
)

type staticPlugin struct{ id string }

func (p staticPlugin) Info() plugins.Info { return plugins.Info{ID: p.id} }

func (p staticPlugin) Register(ctx context.Context, host plugins.Host) error { return nil }

func TestLoader_Load(t *testing.T) {
	catalog := plugins.NewCatalog()
	require.NoError(t, catalog.Add("audit", func() plugins.Plugin { return staticPlugin{id: "audit"} }))
	require.NoError(t, catalog.Add("broken", func() plugins.Plugin { return staticPlugin{} }))

	metrics := observability.NewPluginMetrics(prometheus.NewRegistry())
	logger, hook := test.NewNullLogger()
	loader := NewLoader(catalog, time.Second, time.Second, logger, metrics)

	t.Run("builtin", func(t *testing.T) {
		p, err := loader.Load(context.Background(), plugins.Package{ID: "audit", Kind: plugins.KindBuiltin})
		require.NoError(t, err)
		assert.Equal(t, "audit", p.Info().ID)
	})

	t.Run("executable resolves against the catalog", func(t *testing.T) {
		p, err := loader.Load(context.Background(), plugins.Package{ID: "audit", Kind: plugins.KindExecutable, EntryPath: "/opt/plugins/audit"})
		require.NoError(t, err)
		assert.Equal(t, "audit", p.Info().ID)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := loader.Load(context.Background(), plugins.Package{ID: "ghost", Kind: plugins.KindExecutable})
		assert.ErrorIs(t, err, ErrNoImplementation)

		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, "ghost", entry.Data[observability.FieldPluginID])
		assert.Equal(t, "in-process load failed", entry.Message)
	})

	t.Run("invalid builtin", func(t *testing.T) {
		_, err := loader.Load(context.Background(), plugins.Package{ID: "broken", Kind: plugins.KindBuiltin})
		assert.ErrorIs(t, err, plugins.ErrInvalidShape)
	})

	t.Run("script", func(t *testing.T) {
		path := writeScript(t, "discount.lua", discountScript)
		p, err := loader.Load(context.Background(), plugins.Package{ID: "discount", Kind: plugins.KindLua, EntryPath: path})
		require.NoError(t, err)
		defer Close(p)
		assert.Equal(t, "discount", p.Info().ID)
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.FallbackLoadsTotal.WithLabelValues("audit", "ok"))+
		testutil.ToFloat64(metrics.FallbackLoadsTotal.WithLabelValues("discount", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FallbackLoadsTotal.WithLabelValues("ghost", "error")))
}

func TestLoader_NilCatalog(t *testing.T) {
	loader := NewLoader(nil, 0, 0, nil, nil)
	_, err := loader.Load(context.Background(), plugins.Package{ID: "audit", Kind: plugins.KindBuiltin})
	assert.ErrorIs(t, err, ErrNoImplementation)
}

func TestClose_NonCloser(t *testing.T) {
	assert.NoError(t, Close(staticPlugin{id: "x"}))
}
