// Package grpc provides a source handler for gRPC services described by
// .proto files. Unary methods become root fields resolved through a pooled
// grpctp transport.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/linker"
	"github.com/bufbuild/protocompile/reporter"
	"github.com/goccy/go-json"
	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	grpctp "github.com/hanpama/gqlmesh/internal/grpctp"
	interpolate "github.com/hanpama/gqlmesh/internal/interpolate"
	logging "github.com/hanpama/gqlmesh/internal/logging"
	meshctx "github.com/hanpama/gqlmesh/internal/meshctx"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	source "github.com/hanpama/gqlmesh/internal/source"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// DefaultQueryPrefixes select the methods exposed as query fields. Other
// unary methods become mutation fields.
var DefaultQueryPrefixes = []string{"Get", "List", "Find", "Search", "Query", "Fetch"}

// Options configure a gRPC source.
type Options struct {
	// Endpoint is the host:port serving every service of ProtoFiles.
	Endpoint    string
	ProtoFiles  []string
	ImportPaths []string
	// Metadata is sent with every call. Values may contain {context.x},
	// {args.x} and {env.X} placeholders.
	Metadata            map[string]string
	RPCTimeout          time.Duration
	MaxConnsPerEndpoint int
	QueryPrefixes       []string
	DialOptions         []grpc.DialOption
}

// Deps are the collaborators of a Handler. All are optional.
type Deps struct {
	// Bus receives gRPC client events. The transport is closed on
	// events.Destroy.
	Bus    *eventbus.Bus
	Logger *zap.Logger
	Env    map[string]string
}

// Caller performs one unary call.
type Caller interface {
	Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error)
}

type Handler struct {
	name      string
	opts      Options
	metadata  map[string]interpolate.Template
	endpoints *grpctp.StaticEndpoints
	transport *grpctp.Transport
	caller    Caller
	logger    *zap.Logger
	env       map[string]string
}

var _ source.Handler = (*Handler)(nil)

func New(name string, opts Options, deps Deps) (*Handler, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("grpc source requires an endpoint")
	}
	if len(opts.ProtoFiles) == 0 {
		return nil, errors.New("grpc source requires at least one proto file")
	}
	md, err := interpolate.ParseHeaders(opts.Metadata)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if len(opts.QueryPrefixes) == 0 {
		opts.QueryPrefixes = DefaultQueryPrefixes
	}
	env := deps.Env
	if env == nil {
		env = interpolate.Env()
	}

	logger := logging.Source(deps.Logger, name).Named("grpc")
	endpoints := grpctp.NewStaticEndpoints(nil)
	tpOpts := []grpctp.Option{
		grpctp.WithProvider(endpoints),
		grpctp.WithBus(deps.Bus),
		grpctp.WithSource(name),
		grpctp.WithLogger(logger),
		grpctp.WithRPCTimeout(opts.RPCTimeout),
	}
	if opts.MaxConnsPerEndpoint > 0 {
		tpOpts = append(tpOpts, grpctp.WithMaxConnsPerEndpoint(opts.MaxConnsPerEndpoint))
	}
	if len(opts.DialOptions) > 0 {
		tpOpts = append(tpOpts, grpctp.WithDialOptions(opts.DialOptions...))
	}
	tp := grpctp.New(tpOpts...)
	h := &Handler{
		name:      name,
		opts:      opts,
		metadata:  md,
		endpoints: endpoints,
		transport: tp,
		caller:    tp,
		logger:    logger,
		env:       env,
	}
	if deps.Bus != nil {
		eventbus.Subscribe(deps.Bus, func(context.Context, events.Destroy) { _ = h.Close() })
	}
	return h, nil
}

// Close releases the pooled connections.
func (h *Handler) Close() error { return h.transport.Close() }

func (h *Handler) GetMeshSource(ctx context.Context) (*source.MeshSource, error) {
	files, err := h.compile(ctx)
	if err != nil {
		return nil, err
	}
	g := newGenerator(h.opts.QueryPrefixes)
	for _, f := range files {
		services := f.Services()
		for i := 0; i < services.Len(); i++ {
			sd := services.Get(i)
			h.endpoints.Set(string(sd.FullName()), h.opts.Endpoint)
			for _, skipped := range g.addService(sd) {
				h.logger.Debug("skipping streaming method", zap.String("method", string(skipped.FullName())))
			}
		}
	}
	if len(g.methods) == 0 {
		return nil, fmt.Errorf("no unary methods found in %v", h.opts.ProtoFiles)
	}

	s, err := schema.BuildFromSDL(g.sdl())
	if err != nil {
		return nil, fmt.Errorf("generated schema: %w", err)
	}
	resolvers := schema.ResolverMap{}
	for _, m := range g.methods {
		if resolvers[m.root] == nil {
			resolvers[m.root] = map[string]schema.FieldResolver{}
		}
		resolvers[m.root][m.field] = schema.FieldResolver{Resolve: h.resolver(m.desc)}
	}
	if g.placeholder {
		services := g.serviceNames()
		resolvers["Query"] = map[string]schema.FieldResolver{placeholderField: {Resolve: func(context.Context, schema.ResolveParams) (any, error) {
			return services, nil
		}}}
	}
	if err := schema.AddResolvers(s, resolvers); err != nil {
		return nil, err
	}
	h.logger.Debug("grpc schema generated", zap.Int("methods", len(g.methods)))
	return &source.MeshSource{Schema: s}, nil
}

func (h *Handler) compile(ctx context.Context) (linker.Files, error) {
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			ImportPaths: h.opts.ImportPaths,
		}),
		Reporter: reporter.NewReporter(
			func(err reporter.ErrorWithPos) error {
				h.logger.Error("proto compilation error",
					zap.String("file", err.GetPosition().Filename),
					zap.Int("line", err.GetPosition().Line),
					zap.Int("col", err.GetPosition().Col),
					zap.String("error", err.Unwrap().Error()))
				return err
			},
			func(err reporter.ErrorWithPos) {
				h.logger.Warn("proto compilation warning",
					zap.String("file", err.GetPosition().Filename),
					zap.String("warning", err.Unwrap().Error()))
			},
		),
	}
	files, err := compiler.Compile(ctx, h.opts.ProtoFiles...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile proto files: %w", err)
	}
	return files, nil
}

// resolver calls md with the "input" argument decoded into its request
// message. The response is returned as JSON-shaped maps.
func (h *Handler) resolver(md protoreflect.MethodDescriptor) schema.ResolverFunc {
	return func(ctx context.Context, p schema.ResolveParams) (any, error) {
		req := dynamicpb.NewMessage(md.Input())
		if in := p.Args["input"]; in != nil {
			raw, err := json.Marshal(in)
			if err != nil {
				return nil, err
			}
			if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(raw, req); err != nil {
				return nil, fmt.Errorf("encode %s request: %w", md.FullName(), err)
			}
		}
		if len(h.metadata) > 0 {
			data := map[string]any{
				"root":    p.Source,
				"args":    p.Args,
				"context": meshctx.FromContext(ctx).Map(),
				"env":     h.env,
			}
			for k, v := range interpolate.Headers(h.metadata, data) {
				ctx = metadata.AppendToOutgoingContext(ctx, k, v)
			}
		}
		resp, err := h.caller.Call(ctx, md, req)
		if err != nil {
			return nil, err
		}
		return messageValue(resp)
	}
}

func messageValue(m protoreflect.Message) (any, error) {
	raw, err := (protojson.MarshalOptions{EmitUnpopulated: true}).Marshal(m.Interface())
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", m.Descriptor().FullName(), err)
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
