// Package graphql provides a source handler for GraphQL APIs served over
// HTTP, and for schemas kept in SDL files.
package graphql

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	cache "github.com/hanpama/gqlmesh/internal/cache"
	executor "github.com/hanpama/gqlmesh/internal/executor"
	interpolate "github.com/hanpama/gqlmesh/internal/interpolate"
	introspection "github.com/hanpama/gqlmesh/internal/introspection"
	language "github.com/hanpama/gqlmesh/internal/language"
	logging "github.com/hanpama/gqlmesh/internal/logging"
	meshctx "github.com/hanpama/gqlmesh/internal/meshctx"
	reqid "github.com/hanpama/gqlmesh/internal/reqid"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	source "github.com/hanpama/gqlmesh/internal/source"
	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/zap"
)

// ErrSubscriptionsUnsupported is returned for subscription operations sent
// to a remote source.
var ErrSubscriptionsUnsupported = errors.New("subscriptions are not supported by remote GraphQL sources")

// Options configure a GraphQL source.
type Options struct {
	// Endpoint is the URL of the API, or the path of an SDL file when it
	// ends in ".graphql". It may contain {context.x}, {args.x} and {env.X}
	// placeholders, evaluated per request.
	Endpoint string
	// OperationHeaders are sent with every operation and may contain
	// placeholders.
	OperationHeaders map[string]string
	// SchemaHeaders are sent with the introspection query. Only {env.X}
	// placeholders resolve.
	SchemaHeaders map[string]string
	// Introspection is the path of an SDL file used instead of introspecting
	// the endpoint.
	Introspection string
	// Batch defaults to true.
	Batch *bool
	// StripLeadingTypename removes a __typename selection heading the
	// operation before it is sent.
	StripLeadingTypename bool
	ContextVariables     []string
	Timeout              time.Duration
	// CacheTTL bounds how long an introspection result is cached. Zero keeps
	// it until evicted.
	CacheTTL time.Duration
}

// Deps are the collaborators of a Handler. All are optional.
type Deps struct {
	Cache  cache.KeyValueCache
	Client *http.Client
	Logger *zap.Logger
	Env    map[string]string
}

type Handler struct {
	name     string
	opts     Options
	endpoint interpolate.Template
	headers  map[string]interpolate.Template
	schemaHd map[string]interpolate.Template
	cache    cache.KeyValueCache
	client   *http.Client
	logger   *zap.Logger
	env      map[string]string
}

var _ source.Handler = (*Handler)(nil)

// New validates opts and returns a handler for the source called name.
func New(name string, opts Options, deps Deps) (*Handler, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("graphql source requires an endpoint")
	}
	endpoint, err := interpolate.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}
	headers, err := interpolate.ParseHeaders(opts.OperationHeaders)
	if err != nil {
		return nil, fmt.Errorf("operation headers: %w", err)
	}
	schemaHd, err := interpolate.ParseHeaders(opts.SchemaHeaders)
	if err != nil {
		return nil, fmt.Errorf("schema headers: %w", err)
	}
	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	env := deps.Env
	if env == nil {
		env = interpolate.Env()
	}
	return &Handler{
		name:     name,
		opts:     opts,
		endpoint: endpoint,
		headers:  headers,
		schemaHd: schemaHd,
		cache:    deps.Cache,
		client:   client,
		logger:   logging.Source(deps.Logger, name).Named("graphql"),
		env:      env,
	}, nil
}

func (h *Handler) GetMeshSource(ctx context.Context) (*source.MeshSource, error) {
	if strings.HasSuffix(h.opts.Endpoint, ".graphql") {
		s, err := h.readSDL(h.opts.Endpoint)
		if err != nil {
			return nil, err
		}
		return &source.MeshSource{Schema: s, ContextVariables: h.opts.ContextVariables}, nil
	}

	var s *schema.Schema
	var err error
	if h.opts.Introspection != "" {
		s, err = h.readSDL(h.opts.Introspection)
	} else {
		s, err = h.introspect(ctx)
	}
	if err != nil {
		return nil, err
	}
	batch := true
	if h.opts.Batch != nil {
		batch = *h.opts.Batch
	}
	return &source.MeshSource{
		Schema:           s,
		Executor:         h.execute,
		ContextVariables: h.opts.ContextVariables,
		Batch:            batch,
	}, nil
}

func (h *Handler) readSDL(path string) (*schema.Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return schema.BuildFromSDL(string(b))
}

// introspect loads the remote schema, through the cache when one is set.
func (h *Handler) introspect(ctx context.Context) (*schema.Schema, error) {
	data := map[string]any{"env": h.env}
	endpoint := h.endpoint.Execute(data)
	fetch := func(ctx context.Context) ([]byte, error) {
		h.logger.Debug("introspecting remote schema", zap.String("endpoint", endpoint))
		return h.post(ctx, endpoint, interpolate.Headers(h.schemaHd, data), request{Query: introspection.Query, OperationName: "IntrospectionQuery"})
	}
	var raw []byte
	var err error
	if h.cache != nil {
		raw, err = cache.GetWithSet(ctx, h.cache, "gqlmesh:introspection:"+endpoint, h.opts.CacheTTL, fetch)
	} else {
		raw, err = fetch(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", endpoint, err)
	}
	return introspection.SchemaFromJSON(raw)
}

type request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type response struct {
	Data   any                      `json:"data"`
	Errors []executor.GraphQLError `json:"errors,omitempty"`
}

// execute is the source executor. Endpoint and headers are rendered from
// {root, args, context, env} of the request.
func (h *Handler) execute(ctx context.Context, req *executor.Request) (*executor.Response, error) {
	doc := req.Document
	op := language.OperationByName(doc, req.OperationName)
	if op == nil {
		return nil, fmt.Errorf("operation %q not found", req.OperationName)
	}
	if op.Operation == ast.Subscription {
		return nil, ErrSubscriptionsUnsupported
	}
	if h.opts.StripLeadingTypename {
		doc = h.stripLeadingTypename(doc, op)
	}

	data := map[string]any{
		"root":    req.RootValue,
		"args":    req.Variables,
		"context": meshctx.FromContext(ctx).Map(),
		"env":     h.env,
	}
	endpoint := h.endpoint.Execute(data)
	headers := interpolate.Headers(h.headers, data)
	if rid, ok := reqid.FromContext(ctx); ok {
		headers["X-Request-Id"] = rid
	}

	raw, err := h.post(ctx, endpoint, headers, request{
		Query:         language.Print(doc),
		OperationName: req.OperationName,
		Variables:     req.Variables,
	})
	if err != nil {
		return nil, err
	}
	var res response
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	return &executor.Response{Result: &executor.ExecutionResult{Data: res.Data, Errors: res.Errors}}, nil
}

// stripLeadingTypename returns doc without the __typename selection that
// heads op. A document it cannot rewrite is returned unchanged.
func (h *Handler) stripLeadingTypename(doc *language.QueryDocument, op *language.OperationDefinition) *language.QueryDocument {
	if len(op.SelectionSet) < 2 {
		h.logger.Debug("leading __typename not stripped", zap.String("reason", "operation selects a single field"))
		return doc
	}
	f, ok := op.SelectionSet[0].(*ast.Field)
	if !ok || f.Name != "__typename" {
		return doc
	}
	stripped := *op
	stripped.SelectionSet = op.SelectionSet[1:]
	out := *doc
	out.Operations = make(ast.OperationList, len(doc.Operations))
	for i, o := range doc.Operations {
		if o == op {
			o = &stripped
		}
		out.Operations[i] = o
	}
	return &out
}

func (h *Handler) post(ctx context.Context, endpoint string, headers map[string]string, body request) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/graphql-response+json, application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("upstream request",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	if resp.StatusCode >= 300 && !json.Valid(raw) {
		return nil, fmt.Errorf("%s: unexpected status %s", endpoint, resp.Status)
	}
	return raw, nil
}
