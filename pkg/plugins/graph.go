package plugins

import (
	"fmt"
	"sort"
)

// DependencyGraph tracks the declared dependencies between plugins.
type DependencyGraph struct {
	edges map[string][]string // plugin -> plugins it depends on
}

// NewDependencyGraph creates an empty graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{edges: make(map[string][]string)}
}

// Add adds a plugin with its dependencies. Adding the same plugin again
// replaces its dependencies.
func (g *DependencyGraph) Add(id string, deps []string) {
	g.edges[id] = append([]string(nil), deps...)
}

// Dependencies returns the direct dependencies of a plugin.
func (g *DependencyGraph) Dependencies(id string) []string {
	return g.edges[id]
}

// Dependents returns the plugins that depend directly on id, sorted.
func (g *DependencyGraph) Dependents(id string) []string {
	var out []string
	for key, deps := range g.edges {
		for _, dep := range deps {
			if dep == id {
				out = append(out, key)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Missing maps each plugin to the dependencies that are not in the graph.
func (g *DependencyGraph) Missing() map[string][]string {
	missing := make(map[string][]string)
	for id, deps := range g.edges {
		for _, dep := range deps {
			if _, ok := g.edges[dep]; !ok {
				missing[id] = append(missing[id], dep)
			}
		}
	}
	return missing
}

// Order returns every plugin with dependencies ahead of their dependents.
// Ties are broken by id. Plugins caught in a cycle are appended last, in id
// order, and reported through the error.
func (g *DependencyGraph) Order() ([]string, error) {
	ids := make([]string, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	result := make([]string, 0, len(ids))
	var cycle []string

	var visit func(string) bool
	visit = func(id string) bool {
		if recStack[id] {
			return false
		}
		if visited[id] {
			return true
		}
		if _, ok := g.edges[id]; !ok {
			return true
		}
		visited[id] = true
		recStack[id] = true

		deps := append([]string(nil), g.edges[id]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if !visit(dep) {
				recStack[id] = false
				cycle = append(cycle, id)
				return false
			}
		}

		recStack[id] = false
		result = append(result, id)
		return true
	}

	for _, id := range ids {
		visit(id)
	}
	if len(cycle) == 0 {
		return result, nil
	}

	placed := make(map[string]bool, len(result))
	for _, id := range result {
		placed[id] = true
	}
	var stuck []string
	for _, id := range ids {
		if !placed[id] {
			stuck = append(stuck, id)
		}
	}
	return append(result, stuck...), fmt.Errorf("circular plugin dependency involving %v", stuck)
}
