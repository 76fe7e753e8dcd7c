package executor

import (
	"context"

	schema "github.com/hanpama/gqlmesh/internal/schema"
)

// Runtime defines the host integration surface for field resolution, batching,
// abstract type resolution, subscriptions and leaf-value serialization used by
// the Executor.
//
// General contract
//   - The Executor performs a breadth-first execution. At each depth it drains all
//     synchronous fields first via ResolveSync, then calls BatchResolveAsync ONCE
//     with all async tasks collected at that depth. The next depth does not begin
//     until BatchResolveAsync returns and those results are completed.
//   - ResolveSync is never invoked for fields marked async, and BatchResolveAsync
//     is only invoked when there is at least one async field at the current depth.
//   - Errors returned from any method are converted into located GraphQL errors.
//     If the field's return type is Non-Null, the Executor propagates the null up
//     to the nearest nullable ancestor.
//   - Implementations must be concurrency-safe. The Executor may call these
//     methods concurrently for different operations.
//   - Implementations must not mutate source or args values.
//
// Partial success and determinism
//   - BatchResolveAsync must return one AsyncResolveResult per task, in task
//     order. Failures in one element do not affect others.
//
// Cancellation
//   - Tasks whose response paths were nullified by a Non-Null violation are
//     filtered out before BatchResolveAsync is called. Implementations only need
//     to respect ctx.
type Runtime interface {
	// ResolveSync resolves a synchronous field value immediately.
	// Return (nil, nil) to produce a GraphQL null for nullable fields.
	ResolveSync(ctx context.Context, task ResolveTask) (any, error)

	// BatchResolveAsync resolves one execution depth of async field tasks.
	BatchResolveAsync(ctx context.Context, tasks []ResolveTask) []AsyncResolveResult

	// ResolveType determines the concrete object type name of a value of an
	// abstract type (interface or union).
	ResolveType(ctx context.Context, abstractType string, value any, info *schema.ResolveInfo) (string, error)

	// Subscribe opens the source event stream for a subscription root field.
	Subscribe(ctx context.Context, task ResolveTask) (<-chan any, error)

	// SerializeLeafValue serializes a scalar or enum value to a JSON-safe Go
	// value. For enums, return the symbolic name as string.
	SerializeLeafValue(ctx context.Context, scalarOrEnumTypeName string, value any) (any, error)
}

// ResolveTask identifies one field resolution.
type ResolveTask struct {
	// ObjectType is the parent GraphQL object type name for the field.
	ObjectType string
	// Field is the GraphQL field name to resolve.
	Field string
	// Source is the parent object value (the root value for root fields).
	Source any
	// Args are the field arguments, coerced to Go values per the schema.
	// Never nil.
	Args map[string]any
	// Info describes the field within the running operation.
	Info *schema.ResolveInfo
}

type AsyncResolveResult struct {
	// Value is the resolved raw value prior to completion, or nil on error.
	Value any
	// Error contains a failure specific to this element; other elements in the
	// same batch are unaffected.
	Error error
}
