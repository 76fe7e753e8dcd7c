package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	executor "github.com/hanpama/gqlmesh/internal/executor"
	language "github.com/hanpama/gqlmesh/internal/language"
	logging "github.com/hanpama/gqlmesh/internal/logging"
	mesh "github.com/hanpama/gqlmesh/internal/mesh"
	reqid "github.com/hanpama/gqlmesh/internal/reqid"
	"go.uber.org/zap"
)

// Executor runs GraphQL requests. *mesh.Mesh implements it.
type Executor interface {
	Subscribe(ctx context.Context, req mesh.Request) (*executor.Response, error)
}

// Handler is an http.Handler that serves a GraphQL endpoint.
// It parses requests, runs them on the mesh, and formats responses per the
// GraphQL over HTTP conventions. Streams (live queries and subscriptions)
// are sent as server-sent events to clients accepting text/event-stream.
type Handler struct {
	exec Executor
	opt  Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout. Streams are not bound by it.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// ContextHeaders lists HTTP headers copied into the request context
	// under "headers", keyed by lower case name. Default is none.
	ContextHeaders []string

	// GraphiQL enables the in-browser IDE when true.
	GraphiQL bool

	// Bus receives HTTP and GraphQL lifecycle events.
	Bus    *eventbus.Bus
	Logger *zap.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithContextHeaders(headers ...string) Option {
	return func(o *Options) { o.ContextHeaders = headers }
}
func WithBus(b *eventbus.Bus) Option  { return func(o *Options) { o.Bus = b } }
func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }
func WithGraphiQL(enable bool) Option { return func(o *Options) { o.GraphiQL = enable } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a GraphQL HTTP handler serving exec.
func New(exec Executor, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second, GraphiQL: true}
	for _, f := range opts {
		f(&op)
	}
	op.Logger = logging.OrNop(op.Logger).Named("server")
	return &Handler{exec: exec, opt: op}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if id := r.Header.Get("X-Request-Id"); id != "" {
		ctx = reqid.WithID(ctx, id)
	} else {
		ctx, _ = reqid.NewContext(ctx)
	}
	rid, _ := reqid.FromContext(ctx)
	w.Header().Set("X-Request-Id", rid)

	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, h.opt.Bus, events.HTTPStart{Request: r, RequestID: rid})
	defer func() {
		eventbus.Publish(ctx, h.opt.Bus, events.HTTPFinish{Request: r, RequestID: rid, Status: status, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse(nil, &language.Error{Message: "method not allowed"}), h.opt.Pretty)
		return
	}

	// Serve GraphiQL IDE when enabled and the client expects HTML.
	if r.Method == http.MethodGet && h.opt.GraphiQL && acceptsHTML(r.Header.Get("Accept")) && r.URL.Query().Get("query") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(graphiqlPage)
		return
	}

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != nil {
		status = http.StatusBadRequest
		if berr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(nil, berr), h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	reqCtx := h.requestContext(r)
	stream := acceptsEventStream(r.Header.Get("Accept"))

	if batch != nil {
		// Batched requests never stream.
		tctx, cancel := h.withTimeout(ctx)
		defer cancel()
		op := make([]any, len(batch))
		for i := range batch {
			op[i] = h.executeOne(tctx, batch[i], reqCtx)
		}
		writeJSON(w, status, op, h.opt.Pretty)
		return
	}

	if stream {
		h.serveStream(ctx, w, req, reqCtx)
		return
	}
	tctx, cancel := h.withTimeout(ctx)
	defer cancel()
	writeJSON(w, status, h.executeOne(tctx, req, reqCtx), h.opt.Pretty)
}

func (h *Handler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		return context.WithTimeout(ctx, h.opt.Timeout)
	}
	return context.WithCancel(ctx)
}

func (h *Handler) requestContext(r *http.Request) map[string]any {
	if len(h.opt.ContextHeaders) == 0 {
		return nil
	}
	headers := make(map[string]any, len(h.opt.ContextHeaders))
	for _, hdr := range h.opt.ContextHeaders {
		if v := r.Header.Get(hdr); v != "" {
			headers[strings.ToLower(hdr)] = v
		}
	}
	return map[string]any{"headers": headers}
}

// run executes req and publishes the GraphQL lifecycle events. The returned
// response is nil when the request itself was unusable.
func (h *Handler) run(ctx context.Context, req GraphQLRequest, reqCtx map[string]any) (*executor.Response, *language.Error) {
	opType := operationType(req)
	start := time.Now()
	eventbus.Publish(ctx, h.opt.Bus, events.GraphQLStart{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: opType,
		Variables:     req.Variables,
	})
	resp, err := h.exec.Subscribe(ctx, mesh.Request{
		Document:      req.Query,
		Variables:     req.Variables,
		OperationName: req.OperationName,
		Context:       reqCtx,
	})
	var errs []error
	switch {
	case err != nil:
		errs = []error{err}
	case !resp.IsStream():
		for _, e := range resp.Result.Errors {
			errs = append(errs, e)
		}
	}
	eventbus.Publish(ctx, h.opt.Bus, events.GraphQLFinish{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: opType,
		Stream:        resp.IsStream(),
		Errors:        errs,
		Duration:      time.Since(start),
	})
	if err != nil {
		h.opt.Logger.Debug("request rejected", zap.Error(err))
		return nil, &language.Error{Message: err.Error()}
	}
	return resp, nil
}

// executeOne returns a single result. A stream yields its first result.
func (h *Handler) executeOne(ctx context.Context, req GraphQLRequest, reqCtx map[string]any) any {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	resp, gerr := h.run(ctx, req, reqCtx)
	if gerr != nil {
		return errorResponse(nil, gerr)
	}
	result := resp.Result
	if resp.IsStream() {
		select {
		case res, ok := <-resp.Stream:
			if !ok {
				return errorResponse(nil, &language.Error{Message: "stream ended without a result"})
			}
			result = res
		case <-ctx.Done():
			return errorResponse(nil, &language.Error{Message: ctx.Err().Error()})
		}
	}
	if len(result.Errors) > 0 {
		return toSpecResult(result)
	}
	return result
}

// serveStream writes every result as a server-sent "next" event followed by
// "complete".
func (h *Handler) serveStream(ctx context.Context, w http.ResponseWriter, req GraphQLRequest, reqCtx map[string]any) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	resp, gerr := h.run(ctx, req, reqCtx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	send := func(event string, v any) {
		data := ""
		if v != nil {
			b, _ := json.Marshal(v)
			data = string(b)
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	defer send("complete", nil)

	if gerr != nil {
		send("next", errorResponse(nil, gerr))
		return
	}
	if !resp.IsStream() {
		send("next", toSpecResult(resp.Result))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resp.Stream:
			if !ok {
				return
			}
			send("next", toSpecResult(res))
		}
	}
}

func operationType(req GraphQLRequest) string {
	doc, err := language.ParseQuery(req.Query)
	if err != nil {
		return ""
	}
	if op := language.OperationByName(doc, req.OperationName); op != nil {
		return string(op.Operation)
	}
	return ""
}

// ------------------ Request parsing ------------------

type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func parseRequest(r *http.Request, maxBody int64) (GraphQLRequest, []GraphQLRequest, *language.Error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return GraphQLRequest{}, nil, &language.Error{Message: "invalid 'variables' JSON"}
			}
		}
		op := r.URL.Query().Get("operationName")
		return GraphQLRequest{Query: q, Variables: vars, OperationName: op}, nil, nil
	}

	// POST
	ct := r.Header.Get("Content-Type")
	if ct == "" || ct == "application/json" || strings.HasPrefix(ct, "application/json;") {
		reader := io.Reader(r.Body)
		if maxBody > 0 {
			reader = io.LimitReader(r.Body, maxBody+1)
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			return GraphQLRequest{}, nil, &language.Error{Message: "failed to read body"}
		}
		defer r.Body.Close()
		if maxBody > 0 && int64(len(body)) > maxBody {
			return GraphQLRequest{}, nil, &language.Error{Message: errBodyTooLargeMessage}
		}

		// Try array (batch)
		var arr []GraphQLRequest
		if len(body) > 0 && body[0] == '[' {
			if err := json.Unmarshal(body, &arr); err != nil {
				return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
			}
			if len(arr) == 0 {
				return GraphQLRequest{}, nil, &language.Error{Message: "empty batch"}
			}
			return GraphQLRequest{}, arr, nil
		}
		// Single
		var req GraphQLRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
		}
		if req.Query == "" {
			return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
		}
		if req.Variables == nil {
			req.Variables = map[string]any{}
		}
		return req, nil, nil
	}

	return GraphQLRequest{}, nil, &language.Error{Message: "unsupported Content-Type"}
}

// ------------------ Response formatting ------------------

type specLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type specError struct {
	Message    string         `json:"message"`
	Locations  []specLocation `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type specResult struct {
	Data   any         `json:"data"`
	Errors []specError `json:"errors,omitempty"`
}

func errorResponse(data any, err *language.Error) specResult {
	se := specError{Message: err.Message}
	return specResult{Data: data, Errors: []specError{se}}
}

func toSpecResult(res *executor.ExecutionResult) specResult {
	out := specResult{Data: res.Data}
	if len(res.Errors) == 0 {
		return out
	}
	out.Errors = make([]specError, len(res.Errors))
	for i, e := range res.Errors {
		se := specError{Message: e.Message, Extensions: e.Extensions}
		for _, loc := range e.Locations {
			se.Locations = append(se.Locations, specLocation{Line: loc.Line, Column: loc.Column})
		}
		if len(e.Path) > 0 {
			se.Path = make([]any, len(e.Path))
			for j, pe := range e.Path {
				switch v := pe.(type) {
				case string:
					se.Path[j] = v
				case int:
					se.Path[j] = v
				default:
					se.Path[j] = toString(v)
				}
			}
		}
		out.Errors[i] = se
	}
	// Data may still be partially present next to errors; it is preserved.
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func toString(v any) string { b, _ := json.Marshal(v); return string(b) }

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func acceptsHTML(accept string) bool {
	return acceptsMedia(accept, "text/html", true)
}

func acceptsEventStream(accept string) bool {
	return acceptsMedia(accept, "text/event-stream", false)
}

func acceptsMedia(accept, media string, wildcard bool) bool {
	if accept == "" {
		return false
	}
	for _, p := range strings.Split(accept, ",") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, media) || (wildcard && p == "*/*") {
			return true
		}
	}
	return false
}
