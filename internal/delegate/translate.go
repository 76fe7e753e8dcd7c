package delegate

import (
	"context"

	executor "github.com/hanpama/gqlmesh/internal/executor"
	transform "github.com/hanpama/gqlmesh/internal/transform"
)

// Translate returns an Executor that accepts requests written against the
// schema produced by ts and forwards them to next in the shape next
// understands. Results are translated back, stream events included.
//
// Sources with their own executor use it for no-wrap transforms, which are
// applied to the acquired schema once.
func Translate(next Executor, ts []transform.Transform) Executor {
	if len(ts) == 0 {
		return next
	}
	return func(ctx context.Context, req *executor.Request) (*executor.Response, error) {
		req, err := transform.ApplyRequest(ctx, req, ts)
		if err != nil {
			return nil, err
		}
		resp, err := next(ctx, req)
		if err != nil || resp == nil {
			return resp, err
		}
		if !resp.IsStream() {
			if resp.Result == nil {
				return resp, nil
			}
			res, err := transform.ApplyResult(ctx, resp.Result, ts)
			if err != nil {
				return nil, err
			}
			return &executor.Response{Result: res}, nil
		}
		out := make(chan *executor.ExecutionResult)
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
					if translated, err := transform.ApplyResult(ctx, res, ts); err == nil {
						res = translated
					} else {
						res = executor.ErrorResult(err.Error())
					}
					select {
					case out <- res:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return &executor.Response{Stream: out}, nil
	}
}
