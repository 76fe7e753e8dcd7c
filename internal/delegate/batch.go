package delegate

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	language "github.com/hanpama/gqlmesh/internal/language"
	"github.com/vektah/gqlparser/v2/ast"
)

// DefaultBatchWait is how long a loader collects keys before delegating.
const DefaultBatchWait = 2 * time.Millisecond

// BatchOptions describe a keyed delegation. Calls sharing a loader scope
// (see WithLoaders) and the same target and selection are combined into one
// delegation.
type BatchOptions struct {
	Options
	// Key is one key, or a []any of keys.
	Key          any
	ArgsFromKeys func(keys []any) map[string]any
	// ValuesFromResults maps the delegated result to one value per key. When
	// nil the result must be a list with one entry per key.
	ValuesFromResults func(results any, keys []any) []any
	Wait              time.Duration
}

// BatchDelegateToSchema resolves Key through a batched delegation. A []any
// key yields a []any of values, any other key a single value. A value that
// is an error fails only its own key.
func BatchDelegateToSchema(ctx context.Context, opts BatchOptions) (any, error) {
	if opts.ArgsFromKeys == nil {
		return nil, fmt.Errorf("batch delegate %s: ArgsFromKeys is required", opts.FieldName)
	}
	keys, many := opts.Key.([]any)
	if !many {
		keys = []any{opts.Key}
	}
	if len(keys) == 0 {
		return []any{}, nil
	}
	values, err := loaderFor(ctx, opts).load(ctx, opts, keys)
	if err != nil {
		return nil, err
	}
	if many {
		return values, nil
	}
	if err, ok := values[0].(error); ok {
		return nil, err
	}
	return values[0], nil
}

type loaderScope struct {
	// ctx is the request context. Combined delegations run under it rather
	// than under the context of whichever caller opened the batch.
	ctx     context.Context
	mu      sync.Mutex
	loaders map[string]*loader
}

type loaderScopeKey struct{}

// WithLoaders returns a context whose batched delegations share loaders.
// The mesh installs one scope per request.
func WithLoaders(ctx context.Context) context.Context {
	scope := &loaderScope{loaders: make(map[string]*loader)}
	ctx = context.WithValue(ctx, loaderScopeKey{}, scope)
	scope.ctx = ctx
	return ctx
}

func loaderFor(ctx context.Context, opts BatchOptions) *loader {
	scope, _ := ctx.Value(loaderScopeKey{}).(*loaderScope)
	if scope == nil {
		return newLoader(ctx, opts)
	}
	key := loaderKey(opts)
	scope.mu.Lock()
	defer scope.mu.Unlock()
	l := scope.loaders[key]
	if l == nil {
		l = newLoader(scope.ctx, opts)
		scope.loaders[key] = l
	}
	return l
}

// loaderKey identifies the delegation a batch sends. ArgsFromKeys shapes
// that delegation, so its code pointer is part of the key. ValuesFromResults
// is applied per caller and does not split batches.
func loaderKey(opts BatchOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%x|", opts.Subschema.Name, opts.Operation, opts.FieldName, reflect.ValueOf(opts.ArgsFromKeys).Pointer())
	switch {
	case opts.SelectionSet != nil:
		b.WriteString(printSelection(opts.SelectionSet))
	case opts.Info != nil:
		for _, n := range opts.Info.FieldNodes {
			b.WriteString(printSelection(n.SelectionSet))
		}
	}
	for _, t := range opts.Transforms {
		if a, ok := t.(*AddSelectionSet); ok {
			fmt.Fprintf(&b, "|%v:%s", a.Path, printSelection(a.SelectionSet))
		}
	}
	return b.String()
}

func printSelection(ss language.SelectionSet) string {
	if len(ss) == 0 {
		return ""
	}
	return language.Print(&ast.QueryDocument{Operations: ast.OperationList{{Operation: ast.Query, SelectionSet: ss}}})
}

type loader struct {
	ctx  context.Context
	opts BatchOptions
	wait time.Duration

	mu    sync.Mutex
	batch *batch
}

type batch struct {
	keys   []any
	done   chan struct{}
	result any
	err    error
}

func newLoader(ctx context.Context, opts BatchOptions) *loader {
	wait := opts.Wait
	if wait <= 0 {
		wait = DefaultBatchWait
	}
	return &loader{ctx: ctx, opts: opts, wait: wait}
}

func (l *loader) load(ctx context.Context, opts BatchOptions, keys []any) ([]any, error) {
	l.mu.Lock()
	b := l.batch
	if b == nil {
		b = &batch{done: make(chan struct{})}
		l.batch = b
		time.AfterFunc(l.wait, func() { l.dispatch(b) })
	}
	start := len(b.keys)
	b.keys = append(b.keys, keys...)
	l.mu.Unlock()

	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if b.err != nil {
		return nil, b.err
	}
	var values []any
	if opts.ValuesFromResults != nil {
		values = opts.ValuesFromResults(b.result, b.keys)
	} else {
		values, _ = b.result.([]any)
	}
	if len(values) != len(b.keys) {
		return nil, fmt.Errorf("batch delegate %s.%s: got %d values for %d keys", opts.Subschema.Name, opts.FieldName, len(values), len(b.keys))
	}
	return values[start : start+len(keys)], nil
}

func (l *loader) dispatch(b *batch) {
	l.mu.Lock()
	if l.batch == b {
		l.batch = nil
	}
	keys := b.keys
	l.mu.Unlock()
	defer close(b.done)

	opts := l.opts.Options
	opts.Args = l.opts.ArgsFromKeys(keys)
	b.result, b.err = DelegateToSchema(l.ctx, opts)
}
