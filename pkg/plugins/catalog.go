package plugins

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a fresh instance of a statically linked plugin
type Factory func() Plugin

// Catalog holds the plugins compiled into the host. It is owned by whoever
// constructs it; there is no package level registry.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Add registers a factory under id
func (c *Catalog) Add(id string, factory Factory) error {
	if id == "" {
		return fmt.Errorf("cannot register plugin with empty id")
	}
	if factory == nil {
		return fmt.Errorf("cannot register nil factory for %s", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[id]; exists {
		return fmt.Errorf("plugin already registered: %s", id)
	}
	c.factories[id] = factory
	return nil
}

// Lookup returns the factory for id
func (c *Catalog) Lookup(id string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.factories[id]
	return f, ok
}

// Remove deletes a factory
func (c *Catalog) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[id]; !exists {
		return fmt.Errorf("plugin not found: %s", id)
	}
	delete(c.factories, id)
	return nil
}

// IDs returns the registered ids in sorted order
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.factories))
	for id := range c.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Packages returns a builtin Package for every catalog entry so built-in
// plugins can be installed by tenants like on-disk ones.
func (c *Catalog) Packages() []Package {
	var pkgs []Package
	for _, id := range c.IDs() {
		f, _ := c.Lookup(id)
		info := f().Info()
		pkgs = append(pkgs, Package{
			ID:        id,
			EntryPath: "builtin:" + id,
			Kind:      KindBuiltin,
			Manifest:  &Manifest{ID: id, Name: info.Name, Version: info.Version},
		})
	}
	return pkgs
}
