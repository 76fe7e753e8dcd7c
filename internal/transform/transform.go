// Package transform defines schema transforms applied to sources and to the
// merged schema.
//
// A transform always rewrites the schema. Wrap transforms run inside the
// delegation boundary: the merged schema exposes the transformed shape and
// requests are translated back (RequestTransformer) before they reach the
// source, results forward (ResultTransformer) on the way back. No-wrap
// transforms rewrite the acquired schema once; only sources executing
// outside the process consult them again, to translate requests.
package transform

import (
	"context"

	executor "github.com/hanpama/gqlmesh/internal/executor"
	schema "github.com/hanpama/gqlmesh/internal/schema"
)

// Transform rewrites a schema. Implementations must not modify s; return a
// modified clone instead.
type Transform interface {
	TransformSchema(s *schema.Schema) (*schema.Schema, error)
}

// RequestTransformer translates a request expressed against the transformed
// schema into one the untransformed source understands.
type RequestTransformer interface {
	TransformRequest(ctx context.Context, req *executor.Request) (*executor.Request, error)
}

// ResultTransformer translates a source result into the transformed shape.
type ResultTransformer interface {
	TransformResult(ctx context.Context, res *executor.ExecutionResult) (*executor.ExecutionResult, error)
}

// NoWrapper is implemented by transforms that can run outside the
// delegation boundary.
type NoWrapper interface {
	NoWrap() bool
}

// Split separates wrap transforms from no-wrap transforms, keeping order.
func Split(ts []Transform) (wrap, noWrap []Transform) {
	for _, t := range ts {
		if nw, ok := t.(NoWrapper); ok && nw.NoWrap() {
			noWrap = append(noWrap, t)
		} else {
			wrap = append(wrap, t)
		}
	}
	return wrap, noWrap
}

// ApplySchema runs the schema step of every transform in order.
func ApplySchema(s *schema.Schema, ts []Transform) (*schema.Schema, error) {
	var err error
	for _, t := range ts {
		if s, err = t.TransformSchema(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ApplyRequest translates req through ts from last to first.
func ApplyRequest(ctx context.Context, req *executor.Request, ts []Transform) (*executor.Request, error) {
	var err error
	for i := len(ts) - 1; i >= 0; i-- {
		rt, ok := ts[i].(RequestTransformer)
		if !ok {
			continue
		}
		if req, err = rt.TransformRequest(ctx, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// ApplyResult translates res through ts from first to last.
func ApplyResult(ctx context.Context, res *executor.ExecutionResult, ts []Transform) (*executor.ExecutionResult, error) {
	var err error
	for _, t := range ts {
		rt, ok := t.(ResultTransformer)
		if !ok {
			continue
		}
		if res, err = rt.TransformResult(ctx, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Mode selects wrap or bare application.
type Mode string

const (
	ModeWrap Mode = "wrap"
	ModeBare Mode = "bare"
)
