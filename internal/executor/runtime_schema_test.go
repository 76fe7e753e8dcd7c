package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	"github.com/stretchr/testify/require"
)

func TestSchemaRuntime_DefaultAndSlotResolvers(t *testing.T) {
	sch := mustBuildSchema(t, `
		type Query { user: User tags: [String!]! }
		type User { name: String email: String }
	`)
	type user struct {
		Name  string
		Email string `json:"email"`
	}
	require.NoError(t, schema.AddResolvers(sch, schema.ResolverMap{
		"Query": {"user": {Resolve: func(ctx context.Context, p schema.ResolveParams) (any, error) {
			return &user{Name: "Ada", Email: "ada@example.com"}, nil
		}}},
	}))

	got := NewSchemaExecutor(sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ user { name email } tags }"), "", nil, map[string]any{
		"tags": []string{"a", "b"},
	})

	want := &ExecutionResult{Data: map[string]any{
		"user": map[string]any{"name": "Ada", "email": "ada@example.com"},
		"tags": []any{"a", "b"},
	}, Errors: []GraphQLError{}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}

func TestSchemaRuntime_AsyncTasksRunConcurrently(t *testing.T) {
	sch := mustBuildSchema(t, `type Query { slow1: String slow2: String }`)
	var wg sync.WaitGroup
	wg.Add(2)
	rendezvous := func(ctx context.Context, p schema.ResolveParams) (any, error) {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return "ok", nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("resolvers did not run concurrently")
		}
	}
	require.NoError(t, schema.AddResolvers(sch, schema.ResolverMap{
		"Query": {"slow1": {Resolve: rendezvous}, "slow2": {Resolve: rendezvous}},
	}))

	got := NewSchemaExecutor(sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ slow1 slow2 }"), "", nil, nil)
	require.Empty(t, got.Errors)
	require.Equal(t, map[string]any{"slow1": "ok", "slow2": "ok"}, got.Data)
}

func TestSchemaRuntime_ResolveType(t *testing.T) {
	sch := mustBuildSchema(t, `
		union Pet = Cat | Dog
		type Cat { meow: String }
		type Dog { bark: String }
		type Query { pet: Pet }
	`)
	type Dog struct{ Bark string }
	rt := NewSchemaRuntime(sch, 0)

	name, err := rt.ResolveType(context.Background(), "Pet", map[string]any{"__typename": "Cat"}, nil)
	require.NoError(t, err)
	require.Equal(t, "Cat", name)

	name, err = rt.ResolveType(context.Background(), "Pet", &Dog{}, nil)
	require.NoError(t, err)
	require.Equal(t, "Dog", name)

	_, err = rt.ResolveType(context.Background(), "Pet", 42, nil)
	require.Error(t, err)

	sch.Types["Pet"].ResolveType = func(context.Context, any, *schema.ResolveInfo) (string, error) { return "Dog", nil }
	name, err = rt.ResolveType(context.Background(), "Pet", 42, nil)
	require.NoError(t, err)
	require.Equal(t, "Dog", name)
}

func TestSerializeBuiltin(t *testing.T) {
	sch := mustBuildSchema(t, `enum Role { ADMIN } scalar JSON type Query { r: Role j: JSON }`)
	rt := NewSchemaRuntime(sch, 0)
	ctx := context.Background()

	v, err := rt.SerializeLeafValue(ctx, "Int", float64(3))
	require.NoError(t, err)
	require.Equal(t, 3, v)

	_, err = rt.SerializeLeafValue(ctx, "Int", 3.5)
	require.Error(t, err)

	v, err = rt.SerializeLeafValue(ctx, "ID", 7)
	require.NoError(t, err)
	require.Equal(t, "7", v)

	v, err = rt.SerializeLeafValue(ctx, "Role", "ADMIN")
	require.NoError(t, err)
	require.Equal(t, "ADMIN", v)

	_, err = rt.SerializeLeafValue(ctx, "Role", "GUEST")
	require.Error(t, err)

	raw := map[string]any{"k": 1}
	v, err = rt.SerializeLeafValue(ctx, "JSON", raw)
	require.NoError(t, err)
	require.Equal(t, raw, v)
}

func TestSubscribe(t *testing.T) {
	sch := mustBuildSchema(t, `
		type Query { ok: Boolean }
		type Subscription { tick(n: Int): Tick }
		type Tick { n: Int }
	`)
	var gotArgs map[string]any
	require.NoError(t, schema.AddResolvers(sch, schema.ResolverMap{
		"Subscription": {"tick": {Subscribe: func(ctx context.Context, p schema.ResolveParams) (<-chan any, error) {
			gotArgs = p.Args
			ch := make(chan any, 2)
			ch <- map[string]any{"tick": map[string]any{"n": 1}}
			ch <- map[string]any{"tick": map[string]any{"n": 2}}
			close(ch)
			return ch, nil
		}}},
	}))
	exec := NewSchemaExecutor(sch)

	stream, err := exec.Subscribe(context.Background(), mustParseQuery(t, "subscription { tick(n: 2) { n } }"), "", nil, nil)
	require.NoError(t, err)

	var got []any
	for res := range stream {
		require.Empty(t, res.Errors)
		got = append(got, res.Data)
	}
	want := []any{
		map[string]any{"tick": map[string]any{"n": 1}},
		map[string]any{"tick": map[string]any{"n": 2}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stream mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, map[string]any{"n": 2}, gotArgs)

	_, err = exec.Subscribe(context.Background(), mustParseQuery(t, "{ ok }"), "", nil, nil)
	require.ErrorContains(t, err, "not a subscription")
}

func TestExecute_DispatchesOnOperationType(t *testing.T) {
	sch := mustBuildSchema(t, `
		type Query { ok: Boolean }
		type Subscription { ok: Boolean }
	`)
	require.NoError(t, schema.AddResolvers(sch, schema.ResolverMap{
		"Subscription": {"ok": {Subscribe: func(ctx context.Context, p schema.ResolveParams) (<-chan any, error) {
			ch := make(chan any, 1)
			ch <- map[string]any{"ok": true}
			close(ch)
			return ch, nil
		}}},
	}))
	exec := NewSchemaExecutor(sch)

	resp, err := exec.Execute(context.Background(), &Request{
		Document:  mustParseQuery(t, "query Q { ok }"),
		RootValue: map[string]any{"ok": false},
	})
	require.NoError(t, err)
	require.False(t, resp.IsStream())
	require.Equal(t, map[string]any{"ok": false}, resp.Result.Data)

	resp, err = exec.Execute(context.Background(), &Request{Document: mustParseQuery(t, "subscription { ok }")})
	require.NoError(t, err)
	require.True(t, resp.IsStream())
	var got []any
	for res := range resp.Stream {
		got = append(got, res.Data)
	}
	require.Equal(t, []any{map[string]any{"ok": true}}, got)
}
