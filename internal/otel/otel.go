// Package otel turns mesh events into OpenTelemetry spans.
package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	reqid "github.com/hanpama/gqlmesh/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const instrumentation = "github.com/hanpama/gqlmesh"

// Setup configures an OTLP exporter and attaches span subscribers to bus.
// If endpoint is empty, no telemetry is configured. The returned function
// detaches the subscribers and flushes the exporter.
func Setup(ctx context.Context, bus *eventbus.Bus, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unregister := Register(bus, tp)
	return func(ctx context.Context) error {
		unregister()
		return tp.Shutdown(ctx)
	}, nil
}

// Register subscribes span producers for HTTP, GraphQL, gRPC client and
// resolver events on bus. It returns a function removing them.
func Register(bus *eventbus.Bus, tp trace.TracerProvider) func() {
	s := &subscriber{tracer: tp.Tracer(instrumentation)}
	return s.register(bus)
}

type subscriber struct {
	tracer        trace.Tracer
	httpSpans     sync.Map // rid -> trace.Span
	gqlSpans      sync.Map // rid -> trace.Span
	grpcSpans     sync.Map // call context -> trace.Span
	resolverSpans sync.Map // *events.ResolverData -> trace.Span
}

// parent returns ctx carrying the innermost open span of the request.
func (s *subscriber) parent(ctx context.Context, maps ...*sync.Map) context.Context {
	rid, _ := reqid.FromContext(ctx)
	for _, m := range maps {
		if v, ok := m.Load(rid); ok {
			return trace.ContextWithSpan(ctx, v.(trace.Span))
		}
	}
	return ctx
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	var unsubs []func()
	add := func(u func()) { unsubs = append(unsubs, u) }

	add(eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "http.request")
		span.SetAttributes(
			semconv.HTTPMethodKey.String(e.Request.Method),
			attribute.String("http.target", e.Request.URL.Path),
			attribute.String("request.id", rid),
		)
		s.httpSpans.Store(rid, span)
	}))

	add(eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.httpSpans.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
		span.End()
	}))

	add(eventbus.Subscribe(bus, func(ctx context.Context, e events.GraphQLStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(s.parent(ctx, &s.httpSpans), "graphql.operation")
		span.SetAttributes(
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.String("graphql.operation.type", e.OperationType),
		)
		s.gqlSpans.Store(rid, span)
	}))

	add(eventbus.Subscribe(bus, func(ctx context.Context, e events.GraphQLFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.gqlSpans.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(
			attribute.Int("graphql.error_count", len(e.Errors)),
			attribute.Bool("graphql.stream", e.Stream),
		)
		if len(e.Errors) > 0 {
			span.SetStatus(codes.Error, e.Errors[0].Error())
		}
		span.End()
	}))

	add(eventbus.Subscribe(bus, func(ctx context.Context, e events.ResolverCalled) {
		_, span := s.tracer.Start(s.parent(ctx, &s.gqlSpans, &s.httpSpans), "graphql.resolve")
		span.SetAttributes(
			attribute.String("graphql.field.coordinate", e.Data.Coordinate()),
			attribute.String("graphql.field.path", e.Data.Info.PathString()),
		)
		s.resolverSpans.Store(e.Data, span)
	}))

	add(eventbus.Subscribe(bus, func(ctx context.Context, e events.ResolverDone) {
		if v, ok := s.resolverSpans.LoadAndDelete(e.Data); ok {
			v.(trace.Span).End()
		}
	}))

	add(eventbus.Subscribe(bus, func(ctx context.Context, e events.ResolverError) {
		v, ok := s.resolverSpans.LoadAndDelete(e.Data)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.RecordError(e.Err)
		span.SetStatus(codes.Error, e.Err.Error())
		span.End()
	}))

	add(eventbus.Subscribe(bus, func(ctx context.Context, e events.GRPCClientStart) {
		_, span := s.tracer.Start(s.parent(ctx, &s.gqlSpans, &s.httpSpans), "grpc.client")
		span.SetAttributes(
			semconv.RPCSystemGRPC,
			semconv.RPCServiceKey.String(e.Service),
			semconv.RPCMethodKey.String(e.Method),
			attribute.String("net.peer.name", e.Target),
			attribute.String("gqlmesh.source", e.Source),
		)
		s.grpcSpans.Store(ctx, span)
	}))

	add(eventbus.Subscribe(bus, func(ctx context.Context, e events.GRPCClientFinish) {
		v, ok := s.grpcSpans.LoadAndDelete(ctx)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.String("grpc.code", e.Code.String()))
		if e.Err != nil {
			span.RecordError(e.Err)
			span.SetStatus(codes.Error, e.Err.Error())
		}
		span.End()
	}))

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
