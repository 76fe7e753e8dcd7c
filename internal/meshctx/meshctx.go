// Package meshctx holds the per-request context value of a mesh and the
// shared MeshContext every resolver sees.
package meshctx

import (
	"context"
	"sort"

	cache "github.com/hanpama/gqlmesh/internal/cache"
	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	schema "github.com/hanpama/gqlmesh/internal/schema"
)

// SDKParams are the inputs of one in-context SDK call.
type SDKParams struct {
	Root    any
	Args    map[string]any
	Context *Context
	Info    *schema.ResolveInfo
	// SelectionSet is a selection set string, an ast.SelectionSet or a
	// func(*ast.Field) any returning either.
	SelectionSet any

	// Key and ArgsFromKeys together select batched delegation. Key may be a
	// []any to load many.
	Key               any
	ArgsFromKeys      func(keys []any) map[string]any
	ValuesFromResults func(results any, keys []any) []any
}

// SDKMethod delegates one root field of a source.
type SDKMethod func(ctx context.Context, p SDKParams) (any, error)

// APIContext is the SDK of one source.
type APIContext struct {
	Source       string
	Query        map[string]SDKMethod
	Mutation     map[string]SDKMethod
	Subscription map[string]SDKMethod
}

// Method returns the SDK method for a root field of the given operation
// ("query", "mutation" or "subscription").
func (a *APIContext) Method(operation, field string) SDKMethod {
	if a == nil {
		return nil
	}
	switch operation {
	case "query":
		return a.Query[field]
	case "mutation":
		return a.Mutation[field]
	case "subscription":
		return a.Subscription[field]
	}
	return nil
}

// Invalidator receives live query invalidations.
type Invalidator interface {
	Invalidate(ctx context.Context, ids ...string)
}

// MeshContext is built once per mesh and shared, read-only, by every
// request.
type MeshContext struct {
	APIs           map[string]*APIContext
	PubSub         *eventbus.Bus
	Cache          cache.KeyValueCache
	LiveQueryStore Invalidator
}

// Context is an immutable layered value map. Each With call adds a layer;
// lookups see the newest layer first.
type Context struct {
	parent *Context
	values map[string]any
	mesh   *MeshContext
}

// New returns a root context holding a copy of values.
func New(values map[string]any) *Context {
	return (*Context)(nil).With(values)
}

// With returns a child layer overlaying values. The receiver is unchanged.
func (c *Context) With(values map[string]any) *Context {
	layer := &Context{parent: c, values: make(map[string]any, len(values))}
	for k, v := range values {
		layer.values[k] = v
	}
	if c != nil {
		layer.mesh = c.mesh
	}
	return layer
}

// WithMesh returns a child layer carrying m. The layer is added only once:
// when c already carries a MeshContext, c is returned.
func (c *Context) WithMesh(m *MeshContext) *Context {
	if c.Mesh() != nil {
		return c
	}
	layer := c.With(nil)
	layer.mesh = m
	return layer
}

// Mesh returns the MeshContext carried by c, if any.
func (c *Context) Mesh() *MeshContext {
	if c == nil {
		return nil
	}
	return c.mesh
}

// Value looks key up from the newest layer down.
func (c *Context) Value(key string) (any, bool) {
	for l := c; l != nil; l = l.parent {
		if v, ok := l.values[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Map flattens all layers into a fresh map.
func (c *Context) Map() map[string]any {
	var layers []*Context
	for l := c; l != nil; l = l.parent {
		layers = append(layers, l)
	}
	out := make(map[string]any)
	for i := len(layers) - 1; i >= 0; i-- {
		for k, v := range layers[i].values {
			out[k] = v
		}
	}
	return out
}

// Keys returns the visible keys, sorted.
func (c *Context) Keys() []string {
	m := c.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// API returns the SDK of the named source.
func (c *Context) API(source string) *APIContext {
	m := c.Mesh()
	if m == nil {
		return nil
	}
	return m.APIs[source]
}

// Builder contributes values to every request context.
type Builder func(ctx context.Context) (map[string]any, error)

type key struct{}

// NewContext returns a copy of parent carrying c.
func NewContext(parent context.Context, c *Context) context.Context {
	return context.WithValue(parent, key{}, c)
}

// FromContext returns the mesh context value carried by ctx, or nil.
func FromContext(ctx context.Context) *Context {
	c, _ := ctx.Value(key{}).(*Context)
	return c
}
