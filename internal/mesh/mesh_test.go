package mesh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	delegate "github.com/hanpama/gqlmesh/internal/delegate"
	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	executor "github.com/hanpama/gqlmesh/internal/executor"
	language "github.com/hanpama/gqlmesh/internal/language"
	livequery "github.com/hanpama/gqlmesh/internal/livequery"
	merger "github.com/hanpama/gqlmesh/internal/merger"
	meshctx "github.com/hanpama/gqlmesh/internal/meshctx"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	transform "github.com/hanpama/gqlmesh/internal/transform"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const usersSDL = `
type User { id: ID! name: String }
type Query {
  user(id: ID!): User
  usersByIds(ids: [ID!]!): [User]!
  echo(x: Int): Int
  fail: String
  ctx(key: String!): String
  counter: Int!
}
type Mutation { bump: Int! }
type Subscription { tick: Int }
`

var names = map[string]string{"1": "Ada", "2": "Grace", "3": "Linus"}

type usersBackend struct {
	batches atomic.Int32
	counter atomic.Int32
}

func (b *usersBackend) schema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.BuildFromSDL(usersSDL)
	require.NoError(t, err)
	user := func(id any) map[string]any { return map[string]any{"id": id, "name": names[id.(string)]} }
	require.NoError(t, schema.AddResolvers(s, schema.ResolverMap{
		"Query": {
			"user": {Resolve: func(ctx context.Context, p schema.ResolveParams) (any, error) { return user(p.Args["id"]), nil }},
			"usersByIds": {Resolve: func(ctx context.Context, p schema.ResolveParams) (any, error) {
				b.batches.Add(1)
				var out []any
				for _, id := range p.Args["ids"].([]any) {
					out = append(out, user(id))
				}
				return out, nil
			}},
			"echo": {Resolve: func(ctx context.Context, p schema.ResolveParams) (any, error) { return p.Args["x"], nil }},
			"fail": {Resolve: func(ctx context.Context, p schema.ResolveParams) (any, error) { return nil, errors.New("boom") }},
			"ctx": {Resolve: func(ctx context.Context, p schema.ResolveParams) (any, error) {
				v, _ := meshctx.FromContext(ctx).Value(p.Args["key"].(string))
				return v, nil
			}},
			"counter": {Resolve: func(ctx context.Context, p schema.ResolveParams) (any, error) { return int(b.counter.Load()), nil }},
		},
		"Mutation": {
			"bump": {Resolve: func(ctx context.Context, p schema.ResolveParams) (any, error) { return int(b.counter.Add(1)), nil }},
		},
		"Subscription": {
			"tick": {Subscribe: func(ctx context.Context, p schema.ResolveParams) (<-chan any, error) {
				ch := make(chan any, 3)
				for i := 1; i <= 3; i++ {
					ch <- map[string]any{"tick": i}
				}
				close(ch)
				return ch, nil
			}},
		},
	}))
	return s
}

func staticHandler(s *schema.Schema) Handler {
	return HandlerFunc(func(context.Context) (*MeshSource, error) { return &MeshSource{Schema: s}, nil })
}

func newMesh(t *testing.T, backend *usersBackend, configure func(*Options)) *Mesh {
	t.Helper()
	opts := Options{
		Sources: []SourceConfig{{Name: "users", Handler: staticHandler(backend.schema(t))}},
		Env:     map[string]string{},
	}
	if configure != nil {
		configure(&opts)
	}
	m, err := GetMesh(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(m.Destroy)
	return m
}

func execute(t *testing.T, m *Mesh, req Request) *executor.ExecutionResult {
	t.Helper()
	resp, err := m.Execute(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.IsStream())
	return resp.Result
}

func requireData(t *testing.T, want any, res *executor.ExecutionResult) {
	t.Helper()
	require.Empty(t, res.Errors)
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestGetMesh_AllOrNothingAcquisition(t *testing.T) {
	backend := &usersBackend{}
	var attempted atomic.Int32
	failing := func(msg string, delay time.Duration) Handler {
		return HandlerFunc(func(ctx context.Context) (*MeshSource, error) {
			attempted.Add(1)
			time.Sleep(delay)
			return nil, errors.New(msg)
		})
	}
	bus := eventbus.New()
	var acquired []string
	var mu sync.Mutex
	eventbus.Subscribe(bus, func(_ context.Context, e events.SourceAcquired) {
		mu.Lock()
		defer mu.Unlock()
		acquired = append(acquired, e.Source)
	})

	m, err := GetMesh(context.Background(), Options{
		PubSub: bus,
		Sources: []SourceConfig{
			{Name: "slow", Handler: failing("slow down", 20*time.Millisecond)},
			{Name: "users", Handler: HandlerFunc(func(ctx context.Context) (*MeshSource, error) {
				attempted.Add(1)
				return &MeshSource{Schema: backend.schema(t)}, nil
			})},
			{Name: "fast", Handler: failing("refused", 0)},
			{Name: "empty", Handler: HandlerFunc(func(context.Context) (*MeshSource, error) { attempted.Add(1); return nil, nil })},
		},
	})
	require.Nil(t, m)
	require.Error(t, err)
	require.Equal(t, int32(4), attempted.Load())
	require.Len(t, acquired, 4)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 3)
	var names []string
	for _, e := range merr.Errors {
		var se *SourceError
		require.ErrorAs(t, e, &se)
		names = append(names, se.Source)
	}
	require.Equal(t, []string{"slow", "fast", "empty"}, names)
	require.ErrorContains(t, err, "source slow: slow down")
	require.ErrorIs(t, merr.Errors[2], errNoSource)
}

type failingMerger struct{ err error }

func (f failingMerger) UnifiedSchema(context.Context, merger.Options) (*merger.Result, error) {
	return nil, f.err
}

func TestGetMesh_MergeErrorPropagatesUnchanged(t *testing.T) {
	mergeErr := errors.New("conflicting types")
	backend := &usersBackend{}
	_, err := GetMesh(context.Background(), Options{
		Sources: []SourceConfig{{Name: "users", Handler: staticHandler(backend.schema(t))}},
		Merger:  failingMerger{err: mergeErr},
	})
	require.True(t, err == mergeErr)
}

func TestGetMesh_InvalidRuleLeavesNothingBehind(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	bus := eventbus.New()
	var acquired atomic.Int32
	_, err := GetMesh(context.Background(), Options{
		Sources: []SourceConfig{{Name: "users", Handler: HandlerFunc(func(context.Context) (*MeshSource, error) {
			acquired.Add(1)
			return &MeshSource{Schema: (&usersBackend{}).schema(t)}, nil
		})}},
		PubSub:                 bus,
		Env:                    map[string]string{},
		LiveQueryInvalidations: []livequery.Rule{{Field: "Mutation.bump", Invalidate: []string{"Query.{args.id"}}},
	})
	require.ErrorContains(t, err, "invalidation Mutation.bump")
	require.Zero(t, acquired.Load())
	require.Zero(t, eventbus.Len[events.ResolverDone](bus))
	require.Zero(t, eventbus.Len[events.Destroy](bus))
}

func TestGetMesh_BareTransformsOnExecutorSource(t *testing.T) {
	upstreamSchema := (&usersBackend{}).schema(t)
	upstream, err := delegate.LocalExecutor(upstreamSchema)
	require.NoError(t, err)
	var (
		mu   sync.Mutex
		seen []string
	)
	recording := func(ctx context.Context, req *executor.Request) (*executor.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, sel := range req.Document.Operations[0].SelectionSet {
			seen = append(seen, sel.(*language.Field).Name)
		}
		return upstream(ctx, req)
	}
	m := newMesh(t, &usersBackend{}, func(o *Options) {
		o.Sources = []SourceConfig{{
			Name: "users",
			Handler: HandlerFunc(func(context.Context) (*MeshSource, error) {
				return &MeshSource{Schema: upstreamSchema, Executor: recording}, nil
			}),
			Transforms: []transform.Transform{&transform.Prefix{Value: "U_", IncludeRootOperations: true, Mode: transform.ModeBare}},
		}}
	})
	require.NotNil(t, m.Schema().Types["U_User"])
	require.Nil(t, m.Schema().Types["User"])

	requireData(t, map[string]any{"U_echo": 3, "U_user": map[string]any{"name": "Ada"}},
		execute(t, m, Request{Document: `{ U_echo(x: 3) U_user(id: "1") { name } }`}))
	require.ElementsMatch(t, []string{"echo", "user"}, seen)
}

func TestExecute_RoundTrip(t *testing.T) {
	m := newMesh(t, &usersBackend{}, nil)
	requireData(t, map[string]any{"echo": 1},
		execute(t, m, Request{Document: `query($x: Int) { echo(x: $x) }`, Variables: map[string]any{"x": 1}}))
}

func TestExecute_Errors(t *testing.T) {
	m := newMesh(t, &usersBackend{}, nil)

	res := execute(t, m, Request{Document: `{ nope }`})
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0].Message, "nope")

	res = execute(t, m, Request{Document: `{ fail echo(x: 2) }`})
	require.Len(t, res.Errors, 1)
	require.Equal(t, "boom", res.Errors[0].Message)
	require.Equal(t, executor.Path{"fail"}, res.Errors[0].Path)
	require.Equal(t, map[string]any{"fail": nil, "echo": 2}, res.Data)

	_, err := m.Execute(context.Background(), Request{Document: `query A { echo } query B { echo }`})
	require.ErrorIs(t, err, ErrAmbiguousOperation)
	_, err = m.Execute(context.Background(), Request{Document: `query A { echo }`, OperationName: "B"})
	require.ErrorIs(t, err, ErrOperationNotFound)
	_, err = m.Execute(context.Background(), Request{Document: 42})
	require.ErrorContains(t, err, "unsupported document type int")

	res = execute(t, m, Request{Document: `subscription { tick }`})
	require.Len(t, res.Errors, 1)
}

func TestExecute_ContextBuilders(t *testing.T) {
	m := newMesh(t, &usersBackend{}, nil)
	query := `{ a: ctx(key: "a") b: ctx(key: "b") c: ctx(key: "c") }`
	requireData(t, map[string]any{"a": nil, "b": nil, "c": nil}, execute(t, m, Request{Document: query}))

	m.AddCustomContextBuilder(func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"a": "from a", "c": "first"}, nil
	})
	m.AddCustomContextBuilder(func(ctx context.Context) (map[string]any, error) {
		initial, _ := meshctx.FromContext(ctx).Value("initial")
		return map[string]any{"b": initial, "c": "second"}, nil
	})
	requireData(t, map[string]any{"a": "from a", "b": "seen", "c": "second"},
		execute(t, m, Request{Document: query, Context: map[string]any{"initial": "seen"}}))

	c, err := m.ContextBuilder(context.Background(), nil)
	require.NoError(t, err)
	require.Same(t, m.MeshContext(), c.Mesh())

	m.AddCustomContextBuilder(func(context.Context) (map[string]any, error) { return nil, errors.New("no token") })
	_, err = m.Execute(context.Background(), Request{Document: query})
	require.ErrorContains(t, err, "context builder: no token")
}

func TestSDK_SingleDelegation(t *testing.T) {
	m := newMesh(t, &usersBackend{}, func(o *Options) {
		o.AdditionalTypeDefs = []string{`extend type Query { me: User }`}
		o.AdditionalResolvers = schema.ResolverMap{"Query": {"me": {Resolve: func(ctx context.Context, p schema.ResolveParams) (any, error) {
			return meshctx.FromContext(ctx).API("users").Query["user"](ctx, meshctx.SDKParams{
				Args: map[string]any{"id": "2"},
				Info: p.Info,
			})
		}}}}
	})
	requireData(t, map[string]any{"me": map[string]any{"name": "Grace"}}, execute(t, m, Request{Document: `{ me { name } }`}))

	v, err := m.MeshContext().APIs["users"].Query["user"](context.Background(), meshctx.SDKParams{
		Args:         map[string]any{"id": "1"},
		SelectionSet: "{ name }",
	})
	require.NoError(t, err)
	require.Equal(t, schema.ResponseMap{"id": "1", "name": "Ada"}, v)

	api := m.MeshContext().APIs["users"]
	require.NotNil(t, api.Method("mutation", "bump"))
	require.NotNil(t, api.Method("subscription", "tick"))
}

func TestSDK_BatchedDelegationCallsOnce(t *testing.T) {
	backend := &usersBackend{}
	m := newMesh(t, backend, nil)
	var valuesCalls atomic.Int32
	v, err := m.MeshContext().APIs["users"].Query["usersByIds"](context.Background(), meshctx.SDKParams{
		Key:          []any{"1", "2", "3"},
		ArgsFromKeys: func(keys []any) map[string]any { return map[string]any{"ids": keys} },
		ValuesFromResults: func(results any, keys []any) []any {
			valuesCalls.Add(1)
			return results.([]any)
		},
		SelectionSet: "{ name }",
	})
	require.NoError(t, err)
	require.Equal(t, int32(1), backend.batches.Load())
	require.Equal(t, int32(1), valuesCalls.Load())
	values := v.([]any)
	require.Len(t, values, 3)
	require.Equal(t, "Linus", values[2].(schema.ResponseMap)["name"])
}

func TestSDKRequester(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	m := newMesh(t, &usersBackend{}, func(o *Options) { o.Logger = zap.New(core) })

	data, err := m.SDKRequester(context.Background(), `query($id: ID!) { user(id: $id) { name } }`, map[string]any{"id": "3"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"user": map[string]any{"name": "Linus"}}, data)

	_, err = m.SDKRequester(context.Background(), `{ fail }`, nil)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, "{ fail }", reqErr.Document)
	require.Equal(t, map[string]any{"fail": nil}, reqErr.Data)
	require.EqualError(t, err, "request failed: boom")
	require.ErrorIs(t, err, &reqErr.Errors[0])
	var gqlErr *executor.GraphQLError
	require.ErrorAs(t, err, &gqlErr)
	require.Equal(t, "boom", gqlErr.Message)
	require.Equal(t, 1, logs.FilterMessage("sdk request failed").Len())
}

func TestSubscribe(t *testing.T) {
	m := newMesh(t, &usersBackend{}, nil)
	resp, err := m.Subscribe(context.Background(), Request{Document: `subscription { t: tick }`})
	require.NoError(t, err)
	require.True(t, resp.IsStream())
	var got []any
	for res := range resp.Stream {
		require.Empty(t, res.Errors)
		got = append(got, res.Data.(map[string]any)["t"])
	}
	require.Equal(t, []any{1, 2, 3}, got)

	resp, err = m.Subscribe(context.Background(), Request{Document: `{ echo(x: 5) }`})
	require.NoError(t, err)
	requireData(t, map[string]any{"echo": 5}, resp.Result)
}

func TestLiveQuery_InvalidatedByMutation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	backend := &usersBackend{}
	m, err := GetMesh(context.Background(), Options{
		Sources:                []SourceConfig{{Name: "users", Handler: staticHandler(backend.schema(t))}},
		LiveQueryInvalidations: []livequery.Rule{{Field: "Mutation.bump", Invalidate: []string{"Query.counter"}}},
	})
	require.NoError(t, err)

	resp, err := m.Execute(context.Background(), Request{Document: `query @live { counter }`})
	require.NoError(t, err)
	require.True(t, resp.IsStream())
	next := func() *executor.ExecutionResult {
		select {
		case res, ok := <-resp.Stream:
			require.True(t, ok)
			return res
		case <-time.After(2 * time.Second):
			t.Fatal("no live result")
			return nil
		}
	}
	requireData(t, map[string]any{"counter": 0}, next())
	require.Equal(t, 1, m.LiveQueryStore().Len())

	requireData(t, map[string]any{"bump": 1}, execute(t, m, Request{Document: `mutation { bump }`}))
	requireData(t, map[string]any{"counter": 1}, next())

	m.Destroy()
	_, open := <-resp.Stream
	assert.False(t, open)
	assert.Equal(t, 0, m.LiveQueryStore().Len())
}

func TestGetMesh_LogsCheckpoints(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := newMesh(t, &usersBackend{}, func(o *Options) { o.Logger = zap.New(core) })
	execute(t, m, Request{Document: `{ echo(x: 1) }`})

	for _, msg := range []string{
		"acquiring source",
		"source acquired",
		"merging sources",
		"generating in-context SDK",
		"attaching resolver hooks",
		"executing operation",
		"operation executed",
	} {
		assert.Equal(t, 1, logs.FilterMessage(msg).Len(), msg)
	}
	acquired := logs.FilterMessage("source acquired").All()[0]
	assert.Equal(t, "mesh.source", acquired.LoggerName)
	assert.Equal(t, "users", acquired.ContextMap()["source"])
}
