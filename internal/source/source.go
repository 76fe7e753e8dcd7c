// Package source holds the types shared by source handlers, the merger and
// the mesh.
package source

import (
	"context"

	delegate "github.com/hanpama/gqlmesh/internal/delegate"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	transform "github.com/hanpama/gqlmesh/internal/transform"
)

// Handler produces the schema and executor of one source.
type Handler interface {
	GetMeshSource(ctx context.Context) (*MeshSource, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) (*MeshSource, error)

func (f HandlerFunc) GetMeshSource(ctx context.Context) (*MeshSource, error) { return f(ctx) }

// MeshSource is what a Handler returns.
type MeshSource struct {
	Schema *schema.Schema
	// Executor runs requests against Schema. Nil means in process execution
	// against Schema's own resolvers.
	Executor delegate.Executor
	// ContextVariables name the request context keys the source reads.
	ContextVariables []string
	Batch            bool
}

// MergedTypeConfig tells the merger how to fetch a type from a source by
// key, so fields of the same type from several sources can be combined.
type MergedTypeConfig struct {
	// SelectionSet is the key selection the other sources must provide, for
	// example "{ id }".
	SelectionSet string
	// FieldName is the root query field resolving the type.
	FieldName string
	// Args builds the field arguments from the partial object.
	Args func(root map[string]any) map[string]any
	// Key and ArgsFromKeys switch to batched resolution.
	Key          func(root map[string]any) any
	ArgsFromKeys func(keys []any) map[string]any
}

// RawSource is one acquired source. It is not modified after acquisition.
type RawSource struct {
	Name    string
	Schema  *schema.Schema
	Handler Handler
	// Executor is nil for sources executed in process.
	Executor delegate.Executor
	// Transforms are the wrap transforms; no wrap transforms have already
	// been applied to Schema.
	Transforms       []transform.Transform
	ContextVariables []string
	Batch            bool
	Merge            map[string]MergedTypeConfig
}
