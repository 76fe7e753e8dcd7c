// Package delegate forwards field resolution from the merged schema to the
// source schemas it was built from.
package delegate

import (
	"context"
	"fmt"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
	executor "github.com/hanpama/gqlmesh/internal/executor"
	introspection "github.com/hanpama/gqlmesh/internal/introspection"
	language "github.com/hanpama/gqlmesh/internal/language"
	meshctx "github.com/hanpama/gqlmesh/internal/meshctx"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	transform "github.com/hanpama/gqlmesh/internal/transform"
)

// Executor runs a request against one source. The mesh request context, if
// any, is available through meshctx.FromContext(ctx).
type Executor func(ctx context.Context, req *executor.Request) (*executor.Response, error)

// LocalExecutor returns an Executor running requests in process against s,
// introspection included.
func LocalExecutor(s *schema.Schema) (Executor, error) {
	exec, err := introspection.NewExecutor(s, 0)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, req *executor.Request) (*executor.Response, error) {
		return exec.Execute(ctx, req)
	}, nil
}

// Subschema is one source as it takes part in the merged schema.
type Subschema struct {
	Name string
	// Schema is the source schema after its wrap transforms.
	Schema *schema.Schema
	// Original is the source schema the Executor understands.
	Original   *schema.Schema
	Executor   Executor
	Transforms []transform.Transform
	Batch      bool
	// KeySelections are merged into every selection set of the named type
	// sent to this subschema.
	KeySelections map[string]language.SelectionSet
}

// Options describe one delegation.
type Options struct {
	Subschema *Subschema
	// Operation is "query", "mutation" or "subscription".
	Operation  string
	FieldName  string
	Args       map[string]any
	ReturnType *schema.TypeRef
	Context    *meshctx.Context
	Info       *schema.ResolveInfo
	RootValue  any
	// SelectionSet replaces the selection taken from Info.
	SelectionSet language.SelectionSet
	// Transforms apply to this delegation only, before the subschema's own.
	Transforms []transform.Transform
}

// DelegateToSchema resolves opts.FieldName on the subschema and returns its
// value. Objects in the value are schema.ResponseMap.
func DelegateToSchema(ctx context.Context, opts Options) (any, error) {
	resp, err := execute(ctx, opts)
	if err != nil {
		return nil, err
	}
	if resp.IsStream() {
		return nil, fmt.Errorf("delegate %s.%s: unexpected stream for %s", opts.Subschema.Name, opts.FieldName, opts.Operation)
	}
	return extract(ctx, opts, resp.Result)
}

// SubscribeToSchema opens the subscription opts.FieldName on the subschema.
// Each event carries the field value, or an error.
func SubscribeToSchema(ctx context.Context, opts Options) (<-chan any, error) {
	resp, err := execute(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make(chan any)
	if !resp.IsStream() {
		go func() {
			defer close(out)
			v, err := extract(ctx, opts, resp.Result)
			if err != nil {
				v = err
			}
			select {
			case out <- v:
			case <-ctx.Done():
			}
		}()
		return out, nil
	}
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-resp.Stream:
				if !ok {
					return
				}
				v, err := extract(ctx, opts, res)
				if err != nil {
					v = err
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func execute(ctx context.Context, opts Options) (*executor.Response, error) {
	if opts.Subschema == nil {
		return nil, fmt.Errorf("delegate %s: no subschema", opts.FieldName)
	}
	if opts.Subschema.Executor == nil {
		return nil, fmt.Errorf("delegate %s.%s: subschema has no executor", opts.Subschema.Name, opts.FieldName)
	}
	req, err := BuildRequest(opts)
	if err != nil {
		return nil, err
	}
	ts := make([]transform.Transform, 0, len(opts.Subschema.Transforms)+len(opts.Transforms))
	ts = append(append(ts, opts.Subschema.Transforms...), opts.Transforms...)
	if req, err = transform.ApplyRequest(ctx, req, ts); err != nil {
		return nil, fmt.Errorf("delegate %s.%s: %w", opts.Subschema.Name, opts.FieldName, err)
	}
	if opts.Context != nil {
		ctx = meshctx.NewContext(ctx, opts.Context)
	}
	return opts.Subschema.Executor(ctx, req)
}

func extract(ctx context.Context, opts Options, res *executor.ExecutionResult) (any, error) {
	if res == nil {
		return nil, fmt.Errorf("delegate %s.%s: empty result", opts.Subschema.Name, opts.FieldName)
	}
	res, err := transform.ApplyResult(ctx, res, opts.Subschema.Transforms)
	if err != nil {
		return nil, err
	}
	var value any
	switch data := res.Data.(type) {
	case map[string]any:
		value = data[opts.FieldName]
	case schema.ResponseMap:
		value = data[opts.FieldName]
	}
	if value == nil && len(res.Errors) > 0 {
		return nil, combineErrors(res.Errors)
	}
	return toResponse(value), nil
}

// combineErrors folds GraphQL errors into one error. A single error is
// returned as is.
func combineErrors(errs []executor.GraphQLError) error {
	if len(errs) == 1 {
		return errs[0]
	}
	merr := &multierror.Error{ErrorFormat: joinMessages}
	for _, e := range errs {
		merr = multierror.Append(merr, e)
	}
	return merr
}

func joinMessages(es []error) string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// toResponse converts decoded objects into ResponseMap so default resolvers
// read them by response key.
func toResponse(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(schema.ResponseMap, len(x))
		for k, c := range x {
			out[k] = toResponse(c)
		}
		return out
	case schema.ResponseMap:
		for k, c := range x {
			x[k] = toResponse(c)
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i, c := range x {
			out[i] = toResponse(c)
		}
		return out
	}
	return v
}
