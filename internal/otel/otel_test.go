package otel

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	reqid "github.com/hanpama/gqlmesh/internal/reqid"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	grpccodes "google.golang.org/grpc/codes"
)

func TestRegister_SpanTree(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	unregister := Register(bus, tp)

	ctx := reqid.WithID(context.Background(), "r1")
	httpReq := httptest.NewRequest("POST", "/graphql", nil)
	eventbus.Publish(ctx, bus, events.HTTPStart{Request: httpReq})
	eventbus.Publish(ctx, bus, events.GraphQLStart{OperationName: "Q", OperationType: "query"})

	query := schema.NewType("Query", schema.TypeKindObject, "")
	ok := &events.ResolverData{Info: &schema.ResolveInfo{FieldName: "user", ParentType: query, Path: []any{"user"}}}
	bad := &events.ResolverData{Info: &schema.ResolveInfo{FieldName: "fail", ParentType: query, Path: []any{"fail"}}}
	eventbus.Publish(ctx, bus, events.ResolverCalled{Data: ok})
	eventbus.Publish(ctx, bus, events.ResolverCalled{Data: bad})
	eventbus.Publish(ctx, bus, events.GRPCClientStart{Service: "books.v1.BookService", Method: "GetBook", Target: "x:1"})
	eventbus.Publish(ctx, bus, events.GRPCClientFinish{Service: "books.v1.BookService", Method: "GetBook", Code: grpccodes.OK})
	eventbus.Publish(ctx, bus, events.ResolverDone{Data: ok})
	eventbus.Publish(ctx, bus, events.ResolverError{Data: bad, Err: errors.New("boom")})
	eventbus.Publish(ctx, bus, events.GraphQLFinish{OperationName: "Q", Errors: []error{errors.New("boom")}})
	eventbus.Publish(ctx, bus, events.HTTPFinish{Request: httpReq, Status: 200})

	spans := rec.Ended()
	require.Len(t, spans, 5)
	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, s := range spans {
		byName[s.Name()] = append(byName[s.Name()], s)
	}
	httpSpan := byName["http.request"][0]
	gqlSpan := byName["graphql.operation"][0]
	require.Equal(t, httpSpan.SpanContext().SpanID(), gqlSpan.Parent().SpanID())
	require.Equal(t, codes.Error, gqlSpan.Status().Code)
	require.Len(t, byName["graphql.resolve"], 2)
	for _, s := range byName["graphql.resolve"] {
		require.Equal(t, gqlSpan.SpanContext().SpanID(), s.Parent().SpanID())
	}
	failed := byName["graphql.resolve"][1]
	require.Equal(t, codes.Error, failed.Status().Code)
	require.Equal(t, gqlSpan.SpanContext().SpanID(), byName["grpc.client"][0].Parent().SpanID())

	unregister()
	require.Zero(t, eventbus.Len[events.ResolverCalled](bus))
	require.Zero(t, eventbus.Len[events.HTTPStart](bus))
}

func TestSetup_NoEndpoint(t *testing.T) {
	bus := eventbus.New()
	shutdown, err := Setup(context.Background(), bus, "", "gqlmesh")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.Zero(t, eventbus.Len[events.GraphQLStart](bus))
}
