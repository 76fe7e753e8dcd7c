package mesh

import (
	"context"
	"fmt"
	"strings"
	"time"

	delegate "github.com/hanpama/gqlmesh/internal/delegate"
	executor "github.com/hanpama/gqlmesh/internal/executor"
	language "github.com/hanpama/gqlmesh/internal/language"
	livequery "github.com/hanpama/gqlmesh/internal/livequery"
	meshctx "github.com/hanpama/gqlmesh/internal/meshctx"
	reqid "github.com/hanpama/gqlmesh/internal/reqid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"
)

var (
	ErrOperationNotFound  = livequery.ErrOperationNotFound
	ErrAmbiguousOperation = livequery.ErrAmbiguousOperation
)

// Request is one operation to execute.
type Request struct {
	// Document is a query string or a parsed *ast.QueryDocument. Strings
	// are validated against the merged schema; parsed documents are not.
	Document      any
	Variables     map[string]any
	Context       map[string]any
	RootValue     any
	OperationName string
}

// Execute runs a query or mutation. Live queries yield a Stream; everything
// else a single Result. GraphQL errors, including parse and validation
// errors, are reported in the result. The error return is reserved for
// structurally unusable requests such as an ambiguous operation.
func (m *Mesh) Execute(ctx context.Context, req Request) (*executor.Response, error) {
	return m.run(ctx, req, false)
}

// Subscribe runs any operation. Subscription operations yield a Stream of
// results, one per event; other operations behave as in Execute.
func (m *Mesh) Subscribe(ctx context.Context, req Request) (*executor.Response, error) {
	return m.run(ctx, req, true)
}

func (m *Mesh) run(ctx context.Context, req Request, allowSubscription bool) (*executor.Response, error) {
	doc, gqlErrs, err := m.document(req.Document)
	if err != nil {
		return nil, err
	}
	if len(gqlErrs) > 0 {
		return &executor.Response{Result: &executor.ExecutionResult{Errors: gqlErrs}}, nil
	}
	op, err := livequery.Operation(doc, req.OperationName)
	if err != nil {
		return nil, err
	}
	if op.Operation == language.Subscription && !allowSubscription {
		return &executor.Response{Result: executor.ErrorResult("subscription operations must be run with Subscribe")}, nil
	}

	reqCtx, err := m.ContextBuilder(ctx, req.Context)
	if err != nil {
		return nil, err
	}
	if _, ok := reqid.FromContext(ctx); !ok {
		ctx, _ = reqid.NewContext(ctx)
	}
	ctx = delegate.WithLoaders(meshctx.NewContext(ctx, reqCtx))

	rid, _ := reqid.FromContext(ctx)
	log := m.logger.With(zap.String("request_id", rid), zap.String("operation", op.Name), zap.String("type", string(op.Operation)))
	log.Debug("executing operation")
	start := time.Now()

	execReq := &executor.Request{
		Document:      doc,
		OperationName: op.Name,
		Variables:     req.Variables,
		RootValue:     req.RootValue,
	}
	var resp *executor.Response
	if op.Operation == language.Subscription {
		resp, err = m.exec.Execute(ctx, execReq)
	} else {
		resp, err = m.store.Execute(ctx, execReq)
	}
	if err != nil {
		log.Debug("operation failed", zap.Error(err))
		return nil, err
	}
	if resp.IsStream() {
		log.Debug("operation streaming")
	} else {
		log.Debug("operation executed", zap.Duration("duration", time.Since(start)), zap.Int("errors", len(resp.Result.Errors)))
	}
	return resp, nil
}

// document parses and validates string documents.
func (m *Mesh) document(d any) (*language.QueryDocument, []executor.GraphQLError, error) {
	switch x := d.(type) {
	case *language.QueryDocument:
		if x == nil {
			return nil, nil, ErrOperationNotFound
		}
		return x, nil, nil
	case string:
		doc, errs := gqlparser.LoadQuery(m.astSchema, x)
		if len(errs) > 0 {
			return nil, toGraphQLErrors(errs), nil
		}
		return doc, nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported document type %T", d)
}

func toGraphQLErrors(list gqlerror.List) []executor.GraphQLError {
	out := make([]executor.GraphQLError, len(list))
	for i, e := range list {
		ge := executor.GraphQLError{Message: e.Message}
		for _, loc := range e.Locations {
			ge.Locations = append(ge.Locations, executor.Location{Line: loc.Line, Column: loc.Column})
		}
		out[i] = ge
	}
	return out
}

// AddCustomContextBuilder registers b. Builders run on every later request,
// in registration order; later builders win on conflicting keys.
func (m *Mesh) AddCustomContextBuilder(b meshctx.Builder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builders = append(m.builders, b)
}

// ContextBuilder builds the request context: initial, then the output of
// each custom builder, then the mesh context. Builders see initial through
// meshctx.FromContext.
func (m *Mesh) ContextBuilder(ctx context.Context, initial map[string]any) (*meshctx.Context, error) {
	m.mu.Lock()
	builders := append([]meshctx.Builder(nil), m.builders...)
	m.mu.Unlock()

	c := meshctx.FromContext(ctx).With(initial)
	for _, b := range builders {
		values, err := b(meshctx.NewContext(ctx, c))
		if err != nil {
			return nil, fmt.Errorf("context builder: %w", err)
		}
		c = c.With(values)
	}
	return c.WithMesh(m.meshContext), nil
}

// RequestError is returned by SDKRequester when a request produced errors
// or no data.
type RequestError struct {
	Errors    []executor.GraphQLError
	Document  string
	Variables map[string]any
	Data      any
}

func (e *RequestError) Error() string {
	if len(e.Errors) == 0 {
		return "request returned no data"
	}
	var merr *multierror.Error
	for _, ge := range e.Errors {
		merr = multierror.Append(merr, ge)
	}
	merr.ErrorFormat = func(es []error) string {
		msgs := make([]string, len(es))
		for i, err := range es {
			msgs[i] = err.Error()
		}
		return "request failed: " + strings.Join(msgs, "; ")
	}
	return merr.Error()
}

// Unwrap exposes the GraphQL errors to errors.Is and errors.As.
// Unwrap returns a *executor.GraphQLError per error, pointing into Errors.
func (e *RequestError) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i := range e.Errors {
		out[i] = &e.Errors[i]
	}
	return out
}

// SDKRequester executes doc and returns its data. Streams are returned as
// the <-chan *executor.ExecutionResult. Errors or missing data are logged and
// returned as *RequestError.
func (m *Mesh) SDKRequester(ctx context.Context, doc any, variables map[string]any) (any, error) {
	resp, err := m.Subscribe(ctx, Request{Document: doc, Variables: variables})
	if err != nil {
		return nil, err
	}
	if resp.IsStream() {
		return resp.Stream, nil
	}
	res := resp.Result
	if len(res.Errors) == 0 && res.Data != nil {
		return res.Data, nil
	}
	reqErr := &RequestError{Errors: res.Errors, Document: printDocument(doc), Variables: variables, Data: res.Data}
	m.logger.Error("sdk request failed", zap.String("document", reqErr.Document), zap.Any("variables", variables), zap.Error(reqErr))
	return nil, reqErr
}

func printDocument(doc any) string {
	switch x := doc.(type) {
	case string:
		return x
	case *language.QueryDocument:
		return language.Print(x)
	}
	return fmt.Sprint(doc)
}
