// Package executor implements a breadth-first, batch-friendly GraphQL executor
// with explicit runtime hooks for synchronous resolution, depth-wise batching of
// asynchronous work, abstract-type resolution, subscriptions and leaf
// serialization.
//
// # Execution model
//
// Execution proceeds level by level:
//   - Synchronous fields (schema.Field.Async == false) are expanded immediately
//     through Runtime.ResolveSync and do not add depth. Fields served by the
//     default property resolver fall in this class.
//   - Asynchronous fields are queued while the current depth is expanded and
//     resolved by a single Runtime.BatchResolveAsync call per depth. Fields
//     carrying a resolver that delegates to a source, or any user resolver, are
//     asynchronous.
//   - Completed values are written into the response tree at their paths. A
//     null in a Non-Null position propagates to the nearest nullable ancestor;
//     the nulled subtree is tombstoned and queued work under it is dropped.
//
// Every resolution receives a schema.ResolveInfo describing the field nodes,
// parent type, return type, path, fragments, operation and coerced variables,
// which is what delegation needs to forward the selection to a source.
//
// # Runtimes
//
// SchemaRuntime dispatches to the resolver slots of a schema.Schema and runs
// each depth's async tasks concurrently. Tests use MockRuntime to observe the
// exact call sequence.
//
// # Subscriptions
//
// Executor.Subscribe resolves the source stream of the single root field via
// Runtime.Subscribe and executes the operation once per event with the event
// as root value.
package executor
