package grpc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	delegate "github.com/hanpama/gqlmesh/internal/delegate"
	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	executor "github.com/hanpama/gqlmesh/internal/executor"
	language "github.com/hanpama/gqlmesh/internal/language"
	meshctx "github.com/hanpama/gqlmesh/internal/meshctx"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

const booksProto = `
syntax = "proto3";
package books.v1;

import "google/protobuf/wrappers.proto";

enum Genre {
  GENRE_UNSPECIFIED = 0;
  SCIFI = 1;
}

message Author { string name = 1; }

message Book {
  string id = 1;
  string title = 2;
  Genre genre = 3;
  repeated string tags = 4;
  int64 sales = 5;
  google.protobuf.StringValue subtitle = 6;
  map<string, string> attrs = 7;
  Author author = 8;
}

message GetBookRequest { string book_id = 1; }
message CreateBookRequest { Book book = 1; }
message Empty {}

service BookService {
  rpc GetBook(GetBookRequest) returns (Book);
  rpc CreateBook(CreateBookRequest) returns (Book);
  rpc Ping(Empty) returns (Empty);
  rpc Watch(GetBookRequest) returns (stream Book);
}
`

func writeProto(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "books.proto"), []byte(booksProto), 0o644))
	return dir
}

func TestGetMeshSource_GeneratesSchema(t *testing.T) {
	dir := writeProto(t)
	h, err := New("books", Options{Endpoint: "127.0.0.1:1", ProtoFiles: []string{"books.proto"}, ImportPaths: []string{dir}}, Deps{})
	require.NoError(t, err)
	defer h.Close()

	ms, err := h.GetMeshSource(context.Background())
	require.NoError(t, err)
	s := ms.Schema

	get := s.Types["Query"].FieldByName("BookService_GetBook")
	require.NotNil(t, get)
	require.Equal(t, "books_v1_GetBookRequestInput", get.ArgumentByName("input").Type.GetNamedType())
	require.Equal(t, "books_v1_Book", get.Type.GetNamedType())

	mutation := s.Types["Mutation"]
	require.NotNil(t, mutation.FieldByName("BookService_CreateBook"))
	ping := mutation.FieldByName("BookService_Ping")
	require.Empty(t, ping.Arguments)
	require.Equal(t, "JSON", ping.Type.GetNamedType())
	require.Nil(t, mutation.FieldByName("BookService_Watch"))

	book := s.Types["books_v1_Book"]
	for field, typ := range map[string]string{
		"genre": "books_v1_Genre", "tags": "String", "sales": "String",
		"subtitle": "String", "attrs": "JSON", "author": "books_v1_Author",
	} {
		require.Equal(t, typ, book.FieldByName(field).Type.GetNamedType(), field)
	}
	require.True(t, book.FieldByName("tags").Type.IsList())
	require.NotNil(t, s.Types["books_v1_GetBookRequestInput"].InputFields)
	require.NotNil(t, s.Types["books_v1_BookInput"])
}

// bookServer serves BookService with dynamic messages.
type bookServer struct {
	mu       sync.Mutex
	metadata []metadata.MD
}

func (b *bookServer) start(t *testing.T, sd protoreflect.ServiceDescriptor) string {
	t.Helper()
	unary := func(name protoreflect.Name, fn func(in, out *dynamicpb.Message)) grpc.MethodDesc {
		md := sd.Methods().ByName(name)
		return grpc.MethodDesc{
			MethodName: string(name),
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := dynamicpb.NewMessage(md.Input())
				if err := dec(in); err != nil {
					return nil, err
				}
				incoming, _ := metadata.FromIncomingContext(ctx)
				b.mu.Lock()
				b.metadata = append(b.metadata, incoming)
				b.mu.Unlock()
				out := dynamicpb.NewMessage(md.Output())
				fn(in, out)
				return out, nil
			},
		}
	}
	set := func(m *dynamicpb.Message, field string, v protoreflect.Value) {
		m.Set(m.Descriptor().Fields().ByJSONName(field), v)
	}

	desc := grpc.ServiceDesc{
		ServiceName: string(sd.FullName()),
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary("GetBook", func(in, out *dynamicpb.Message) {
				id := in.Get(in.Descriptor().Fields().ByJSONName("bookId")).String()
				set(out, "id", protoreflect.ValueOfString(id))
				set(out, "title", protoreflect.ValueOfString("Dune"))
				set(out, "genre", protoreflect.ValueOfEnum(1))
				set(out, "sales", protoreflect.ValueOfInt64(42))
				tags := out.Mutable(out.Descriptor().Fields().ByJSONName("tags")).List()
				tags.Append(protoreflect.ValueOfString("classic"))
				author := out.Mutable(out.Descriptor().Fields().ByJSONName("author")).Message()
				author.Set(author.Descriptor().Fields().ByName("name"), protoreflect.ValueOfString("Herbert"))
			}),
			unary("CreateBook", func(in, out *dynamicpb.Message) {
				book := in.Get(in.Descriptor().Fields().ByName("book")).Message()
				book.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
					out.Set(out.Descriptor().Fields().ByNumber(fd.Number()), v)
					return true
				})
			}),
			unary("Ping", func(in, out *dynamicpb.Message) {}),
		},
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	srv.RegisterService(&desc, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestGetMeshSource_ResolvesThroughTransport(t *testing.T) {
	dir := writeProto(t)
	compiler, err := New("books", Options{Endpoint: "unused:1", ProtoFiles: []string{"books.proto"}, ImportPaths: []string{dir}}, Deps{})
	require.NoError(t, err)
	files, err := compiler.compile(context.Background())
	require.NoError(t, err)
	require.NoError(t, compiler.Close())

	backend := &bookServer{}
	addr := backend.start(t, files[0].Services().ByName("BookService"))

	bus := eventbus.New()
	var finished []events.GRPCClientFinish
	eventbus.Subscribe(bus, func(_ context.Context, e events.GRPCClientFinish) { finished = append(finished, e) })

	h, err := New("books", Options{
		Endpoint:    addr,
		ProtoFiles:  []string{"books.proto"},
		ImportPaths: []string{dir},
		Metadata:    map[string]string{"authorization": "Bearer {context.token}", "x-book": "{args.input.bookId}"},
	}, Deps{Bus: bus})
	require.NoError(t, err)
	ms, err := h.GetMeshSource(context.Background())
	require.NoError(t, err)

	exec, err := delegate.LocalExecutor(ms.Schema)
	require.NoError(t, err)
	ctx := meshctx.NewContext(context.Background(), meshctx.New(map[string]any{"token": "t0k"}))
	run := func(query string) *executor.ExecutionResult {
		doc, err := language.ParseQuery(query)
		require.NoError(t, err)
		resp, err := exec(ctx, &executor.Request{Document: doc})
		require.NoError(t, err)
		return resp.Result
	}

	res := run(`{ BookService_GetBook(input: {bookId: "7"}) { id title genre tags sales subtitle author { name } } }`)
	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{"BookService_GetBook": map[string]any{
		"id": "7", "title": "Dune", "genre": "SCIFI", "tags": []any{"classic"},
		"sales": "42", "subtitle": nil, "author": map[string]any{"name": "Herbert"},
	}}, res.Data)
	require.Equal(t, []string{"Bearer t0k"}, backend.metadata[0].Get("authorization"))
	require.Equal(t, []string{"7"}, backend.metadata[0].Get("x-book"))
	require.Equal(t, []string{"books.v1.BookService"}, backend.metadata[0].Get("x-gqlmesh-service"))
	require.Equal(t, []string{"books"}, backend.metadata[0].Get("x-gqlmesh-source"))

	res = run(`mutation { BookService_CreateBook(input: {book: {id: "8", title: "Emma", genre: SCIFI}}) { id title genre } }`)
	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{"BookService_CreateBook": map[string]any{"id": "8", "title": "Emma", "genre": "SCIFI"}}, res.Data)

	res = run(`mutation { BookService_Ping }`)
	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{"BookService_Ping": map[string]any{}}, res.Data)

	require.Len(t, finished, 3)
	require.Equal(t, "books", finished[0].Source)

	eventbus.Publish(context.Background(), bus, events.Destroy{})
	res = run(`mutation { BookService_Ping }`)
	require.Len(t, res.Errors, 1)
	require.True(t, strings.Contains(res.Errors[0].Message, "closed"))
}

func TestNew_Errors(t *testing.T) {
	_, err := New("x", Options{}, Deps{})
	require.EqualError(t, err, "grpc source requires an endpoint")
	_, err = New("x", Options{Endpoint: "a:1"}, Deps{})
	require.EqualError(t, err, "grpc source requires at least one proto file")

	h, err := New("x", Options{Endpoint: "a:1", ProtoFiles: []string{"missing.proto"}, ImportPaths: []string{t.TempDir()}}, Deps{})
	require.NoError(t, err)
	defer h.Close()
	_, err = h.GetMeshSource(context.Background())
	require.ErrorContains(t, err, "failed to compile proto files")
}
