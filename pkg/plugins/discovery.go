package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Kind is how a package entry is executed
type Kind string

const (
	// KindExecutable is a worker binary speaking the sandbox protocol
	KindExecutable Kind = "executable"
	// KindLua is a script evaluated by the in-process fallback
	KindLua Kind = "lua"
	// KindBuiltin is a plugin compiled into the host and found in the Catalog
	KindBuiltin Kind = "builtin"
)

// Package is an installable plugin found on disk
type Package struct {
	ID        string    `json:"id"`
	Dir       string    `json:"dir,omitempty"`
	EntryPath string    `json:"entryPath"`
	Kind      Kind      `json:"kind"`
	Manifest  *Manifest `json:"manifest"`
}

// default entry names tried inside a package directory without an explicit entry
var defaultEntries = []string{"plugin", "plugin.lua", "main.lua", "index.lua"}

type cachedManifest struct {
	manifest *Manifest
	err      error
}

// Discovery enumerates plugin packages in a directory.
//
// Sub-directories are packages with a manifest and an entry file. Top-level
// executables and *.lua files are single-file packages. A package's ID is its
// file or directory name without extension, which is what tenant installations
// reference.
type Discovery struct {
	dir   string
	cache *lru.LRU[string, cachedManifest]
	log   *logrus.Entry
}

// NewDiscovery creates a Discovery for dir. Parsed manifests are cached by path
// and modification time.
func NewDiscovery(dir string, log logrus.FieldLogger) *Discovery {
	if log == nil {
		log = logrus.New()
	}
	return &Discovery{
		dir:   dir,
		cache: lru.NewLRU[string, cachedManifest](256, nil, 10*time.Minute),
		log:   log.WithField("component", "discovery"),
	}
}

// Dir returns the directory being scanned
func (d *Discovery) Dir() string {
	return d.dir
}

// Discover scans the plugin directory. A missing directory yields no packages.
// Entries that cannot be read are logged and skipped.
func (d *Discovery) Discover(ctx context.Context) ([]Package, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			d.log.Debugf("Plugin directory does not exist: %s", d.dir)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugin directory %s: %w", d.dir, err)
	}

	var pkgs []Package
	seen := make(map[string]string)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		path := filepath.Join(d.dir, entry.Name())
		var (
			pkg Package
			ok  bool
			err error
		)
		if entry.IsDir() {
			pkg, err = d.packageFromDir(path)
			ok = err == nil
		} else {
			pkg, ok = d.packageFromFile(path)
		}
		if err != nil {
			d.log.Warnf("Failed to load plugin from %s: %v", path, err)
			continue
		}
		if !ok {
			continue
		}
		if prev, dup := seen[pkg.ID]; dup {
			d.log.Warnf("Duplicate plugin id %s at %s (already found at %s), skipping", pkg.ID, path, prev)
			continue
		}
		seen[pkg.ID] = path
		pkgs = append(pkgs, pkg)
	}

	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].ID < pkgs[j].ID })
	return pkgs, nil
}

func (d *Discovery) packageFromDir(dir string) (Package, error) {
	id := filepath.Base(dir)
	manifest, err := d.manifest(dir)
	if err != nil {
		return Package{}, err
	}
	findings := ValidateManifest(manifest)
	if HasErrors(findings) {
		return Package{}, fmt.Errorf("manifest validation failed: %v", findings)
	}
	for _, f := range findings {
		d.log.WithField("plugin_id", id).Warnf("Manifest %s", f)
	}

	entry := manifest.Entry
	if entry == "" {
		for _, candidate := range append(defaultEntries, id) {
			if fileExists(filepath.Join(dir, candidate)) {
				entry = candidate
				break
			}
		}
	}
	if entry == "" {
		return Package{}, fmt.Errorf("no entry file in %s", dir)
	}

	entryPath := filepath.Join(dir, entry)
	if !fileExists(entryPath) {
		return Package{}, fmt.Errorf("entry %s does not exist", entryPath)
	}

	return Package{
		ID:        id,
		Dir:       dir,
		EntryPath: entryPath,
		Kind:      kindOf(entryPath),
		Manifest:  manifest,
	}, nil
}

func (d *Discovery) packageFromFile(path string) (Package, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return Package{}, false
	}

	name := filepath.Base(path)
	ext := filepath.Ext(name)
	id := strings.TrimSuffix(name, ext)

	switch {
	case ext == ".lua":
	case info.Mode()&0o111 != 0:
	default:
		return Package{}, false
	}

	return Package{
		ID:        id,
		EntryPath: path,
		Kind:      kindOf(path),
		Manifest:  &Manifest{ID: id, Name: id},
	}, true
}

// manifest loads a directory manifest through the cache
func (d *Discovery) manifest(dir string) (*Manifest, error) {
	path, err := ManifestPath(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}

	key := fmt.Sprintf("%s@%d", path, info.ModTime().UnixNano())
	if cached, ok := d.cache.Get(key); ok {
		return cached.manifest, cached.err
	}

	manifest, err := LoadManifest(path)
	d.cache.Add(key, cachedManifest{manifest: manifest, err: err})
	return manifest, err
}

func kindOf(path string) Kind {
	if strings.HasSuffix(path, ".lua") {
		return KindLua
	}
	return KindExecutable
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
