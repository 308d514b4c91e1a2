package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	factory := func() Plugin { return &stubPlugin{info: Info{ID: "audit", Name: "Audit", Version: "1.0.0"}} }

	require.NoError(t, c.Add("audit", factory))
	assert.ErrorContains(t, c.Add("audit", factory), "already registered")
	assert.Error(t, c.Add("", factory))
	assert.Error(t, c.Add("x", nil))

	f, ok := c.Lookup("audit")
	require.True(t, ok)
	assert.Equal(t, "audit", f().Info().ID)

	pkgs := c.Packages()
	require.Len(t, pkgs, 1)
	assert.Equal(t, KindBuiltin, pkgs[0].Kind)
	assert.Equal(t, "builtin:audit", pkgs[0].EntryPath)
	assert.Equal(t, "1.0.0", pkgs[0].Manifest.Version)

	assert.Equal(t, []string{"audit"}, c.IDs())
	require.NoError(t, c.Remove("audit"))
	assert.Error(t, c.Remove("audit"))
	_, ok = c.Lookup("audit")
	assert.False(t, ok)
}
