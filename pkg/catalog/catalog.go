package catalog

import (
	"fmt"
	"sort"

	"github.com/openfroyo/ccrecon/pkg/rpc"
)

// Catalog is the immutable table of entries keyed by kind. It is built once
// at process start and shared read-only by every run.
type Catalog struct {
	entries map[Kind]*Entry
	order   []Kind
}

// New builds a catalog from entries. Later entries replace earlier entries
// of the same kind, so user catalogs can override built-in kinds.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[Kind]*Entry, len(entries))}
	for i := range entries {
		e := entries[i]
		if err := e.index(); err != nil {
			return nil, err
		}
		if _, exists := c.entries[e.Kind]; !exists {
			c.order = append(c.order, e.Kind)
		}
		c.entries[e.Kind] = &e
	}

	for _, kind := range c.order {
		for _, dep := range c.entries[kind].DependsOn {
			if dep == kind {
				return nil, fmt.Errorf("kind %s depends on itself", kind)
			}
			if _, ok := c.entries[dep]; !ok {
				return nil, fmt.Errorf("kind %s depends on unknown kind %s", kind, dep)
			}
		}
	}
	return c, nil
}

// Lookup returns the entry for kind.
func (c *Catalog) Lookup(kind Kind) (*Entry, error) {
	e, ok := c.entries[kind]
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	return e, nil
}

// Kinds returns every kind in the catalog, sorted.
func (c *Catalog) Kinds() []Kind {
	kinds := make([]Kind, len(c.order))
	copy(kinds, c.order)
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Routes returns the REST routes for every bound operation.
func (c *Catalog) Routes() rpc.RouteTable {
	routes := rpc.DefaultRoutes()
	for _, kind := range c.order {
		for _, op := range c.entries[kind].Operations {
			routes.Add(op.Family, op.Function, rpc.Route{Method: op.Method, Path: op.Path})
		}
	}
	return routes
}

// UnknownKindError is returned by Lookup for kinds the catalog does not know.
type UnknownKindError struct {
	Kind Kind
}

// Error implements the error interface.
func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown resource kind %q", e.Kind)
}
