package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

var ignoreLocations = cmpopts.IgnoreFields(GraphQLError{}, "Locations")

// Pattern: Result comparison + call log
func TestOrdering_SyncBeforeAsync(t *testing.T) {
	sch := mustBuildSchema(t, `type Query { a: String b: String c: String }`)
	markAsync(sch, "Query.b")
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.a": valueResolver("A"),
		"Query.b": valueResolver("B"),
		"Query.c": valueResolver("C"),
	})
	exec := NewExecutor(rt, sch)

	gotRes := exec.ExecuteRequest(context.Background(), mustParseQuery(t, "{ a b c }"), "", nil, nil)

	wantRes := &ExecutionResult{Data: map[string]any{"a": "A", "b": "B", "c": "C"}, Errors: []GraphQLError{}}
	if diff := cmp.Diff(wantRes, gotRes); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}

	wantCalls := []Call{
		{Kind: CallKindSync, ObjectType: "Query", Field: "a", Args: map[string]any{}},
		{Kind: CallKindSync, ObjectType: "Query", Field: "c", Args: map[string]any{}},
		{Kind: CallKindAsync, ObjectType: "Query", Field: "b", Args: map[string]any{}, BatchID: 1},
	}
	if diff := cmp.Diff(wantCalls, rt.GetCalls()); diff != "" {
		t.Fatalf("Runtime calls mismatch (-want +got):\n%s", diff)
	}
}

func TestBatching_OnceCallPerDepth(t *testing.T) {
	sch := mustBuildSchema(t, `
		type Query { users: [User] }
		type User { id: ID name: String friend: User }
	`)
	markAsync(sch, "Query.users", "User.name", "User.friend")
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.users": valueResolver([]any{map[string]any{"id": "1"}, map[string]any{"id": "2"}}),
		"User.name": func(_ context.Context, task ResolveTask) (any, error) {
			return "user-" + task.Source.(map[string]any)["id"].(string), nil
		},
		"User.friend": valueResolver(map[string]any{"id": "9"}),
	})
	exec := NewExecutor(rt, sch)

	got := exec.ExecuteRequest(context.Background(), mustParseQuery(t, "{ users { id name friend { name } } }"), "", nil, nil)

	want := &ExecutionResult{Data: map[string]any{"users": []any{
		map[string]any{"id": "1", "name": "user-1", "friend": map[string]any{"name": "user-9"}},
		map[string]any{"id": "2", "name": "user-2", "friend": map[string]any{"name": "user-9"}},
	}}, Errors: []GraphQLError{}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}

	batches := map[int]int{}
	for _, c := range rt.GetCalls() {
		if c.Kind == CallKindAsync {
			batches[c.BatchID]++
		}
	}
	// depth 1: users; depth 2: 2x name + 2x friend; depth 3: 2x friend.name
	require.Equal(t, map[int]int{1: 1, 2: 4, 3: 2}, batches)
}

func TestErrors_LocatedPaths(t *testing.T) {
	sch := mustBuildSchema(t, `
		type Query { a: String obj: Obj objs: [Obj] }
		type Obj { idx: Int a: String }
	`)
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.a":    errorResolver(fmt.Errorf("boom")),
		"Query.obj":  valueResolver(map[string]any{}),
		"Query.objs": valueResolver([]any{map[string]any{"idx": 0}, map[string]any{"idx": 1}}),
		"Obj.a": func(_ context.Context, task ResolveTask) (any, error) {
			if idx, _ := task.Source.(map[string]any)["idx"].(int); idx == 1 {
				return nil, fmt.Errorf("boom")
			}
			return "A", nil
		},
	})
	exec := NewExecutor(rt, sch)

	t.Run("Simple", func(t *testing.T) {
		got := exec.ExecuteRequest(context.Background(), mustParseQuery(t, "{ a }"), "", nil, nil)
		want := &ExecutionResult{
			Data:   map[string]any{"a": nil},
			Errors: []GraphQLError{{Message: "boom", Path: Path{"a"}}},
		}
		if diff := cmp.Diff(want, got, ignoreLocations); diff != "" {
			t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
		}
		require.Len(t, got.Errors[0].Locations, 1)
		require.Equal(t, 1, got.Errors[0].Locations[0].Line)
	})

	t.Run("List index in path", func(t *testing.T) {
		got := exec.ExecuteRequest(context.Background(), mustParseQuery(t, "{ objs { a } }"), "", nil, nil)
		want := &ExecutionResult{
			Data:   map[string]any{"objs": []any{map[string]any{"a": "A"}, map[string]any{"a": nil}}},
			Errors: []GraphQLError{{Message: "boom", Path: Path{"objs", 1, "a"}}},
		}
		if diff := cmp.Diff(want, got, ignoreLocations); diff != "" {
			t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Unknown field", func(t *testing.T) {
		got := exec.ExecuteRequest(context.Background(), mustParseQuery(t, "{ obj { nope } }"), "", nil, nil)
		require.Len(t, got.Errors, 1)
		require.Contains(t, got.Errors[0].Message, "Cannot query field 'nope' on type 'Obj'")
	})
}

func TestNonNull_PropagatesToNearestNullableAncestor(t *testing.T) {
	sch := mustBuildSchema(t, `
		type Query { obj: Obj objs: [Obj!] }
		type Obj { id: ID inner: Inner! }
		type Inner { v: String }
	`)
	markAsync(sch, "Obj.inner")
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.obj":  valueResolver(map[string]any{"id": "1"}),
		"Query.objs": valueResolver([]any{map[string]any{"id": "1"}, map[string]any{"id": "2"}}),
		"Obj.inner": func(_ context.Context, task ResolveTask) (any, error) {
			if task.Source.(map[string]any)["id"] == "2" {
				return nil, fmt.Errorf("boom")
			}
			return map[string]any{"v": "x"}, nil
		},
	})
	exec := NewExecutor(rt, sch)

	t.Run("object", func(t *testing.T) {
		rt := NewMockRuntime(map[string]MockResolver{
			"Query.obj": valueResolver(map[string]any{"id": "2"}),
			"Obj.inner": errorResolver(fmt.Errorf("boom")),
		})
		got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ obj { id inner { v } } }"), "", nil, nil)
		want := &ExecutionResult{
			Data:   map[string]any{"obj": nil},
			Errors: []GraphQLError{{Message: "boom", Path: Path{"obj", "inner"}}},
		}
		if diff := cmp.Diff(want, got, ignoreLocations); diff != "" {
			t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("non-null list item", func(t *testing.T) {
		got := exec.ExecuteRequest(context.Background(), mustParseQuery(t, "{ objs { id inner { v } } }"), "", nil, nil)
		want := &ExecutionResult{
			Data:   map[string]any{"objs": nil},
			Errors: []GraphQLError{{Message: "boom", Path: Path{"objs", 1, "inner"}}},
		}
		if diff := cmp.Diff(want, got, ignoreLocations); diff != "" {
			t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestAbstractTypes(t *testing.T) {
	sch := mustBuildSchema(t, `
		interface Node { id: ID! }
		type User implements Node { id: ID! name: String }
		type Book implements Node { id: ID! title: String }
		union Result = User | Book
		type Query { search: [Result] node: Node }
	`)
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.search": valueResolver([]any{
			map[string]any{"__typename": "User", "id": "1", "name": "Ada"},
			map[string]any{"__typename": "Book", "id": "2", "title": "Go"},
		}),
		"Query.node": valueResolver(map[string]any{"__typename": "User", "id": "1", "name": "Ada"}),
	})
	doc := mustParseQuery(t, `
		{
			search { __typename ... on User { name } ... on Book { title } ...N }
			node { id ... on User { name } ... on Book { title } }
		}
		fragment N on Node { id }
	`)

	got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), doc, "", nil, nil)

	want := &ExecutionResult{Data: map[string]any{
		"search": []any{
			map[string]any{"__typename": "User", "name": "Ada", "id": "1"},
			map[string]any{"__typename": "Book", "title": "Go", "id": "2"},
		},
		"node": map[string]any{"id": "1", "name": "Ada"},
	}, Errors: []GraphQLError{}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}

func TestArguments_DefaultsAndVariables(t *testing.T) {
	sch := mustBuildSchema(t, `
		enum Role { ADMIN MEMBER }
		input Filter { role: Role = MEMBER limit: Int = 10 name: String }
		type Query { users(filter: Filter, first: Int = 5, role: Role = ADMIN): [String] }
	`)
	var gotArgs map[string]any
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.users": func(_ context.Context, task ResolveTask) (any, error) {
			gotArgs = task.Args
			return []any{"x"}, nil
		},
	})
	doc := mustParseQuery(t, `query Q($f: Filter, $first: Int) { users(filter: $f, first: $first) }`)

	res := NewExecutor(rt, sch).ExecuteRequest(context.Background(), doc, "Q", map[string]any{
		"f": map[string]any{"name": "a"},
	}, nil)
	require.Empty(t, res.Errors)

	wantArgs := map[string]any{
		"filter": map[string]any{"role": "MEMBER", "limit": 10, "name": "a"},
		"first":  5,
		"role":   "ADMIN",
	}
	if diff := cmp.Diff(wantArgs, gotArgs); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestVariables_Errors(t *testing.T) {
	sch := mustBuildSchema(t, `
		enum Role { ADMIN }
		type Query { count(n: Int): Int role(r: Role): Role }
	`)
	exec := NewExecutor(NewMockRuntime(nil), sch)

	res := exec.ExecuteRequest(context.Background(), mustParseQuery(t, `query($n: Int!) { count(n: $n) }`), "", nil, nil)
	require.Nil(t, res.Data)
	require.Contains(t, res.Errors[0].Message, "variable $n of required type Int! was not provided")

	res = exec.ExecuteRequest(context.Background(), mustParseQuery(t, `query($n: Int!) { count(n: $n) }`), "", map[string]any{"n": "42"}, nil)
	require.Contains(t, res.Errors[0].Message, "cannot coerce")

	res = exec.ExecuteRequest(context.Background(), mustParseQuery(t, `query($r: Role) { role(r: $r) }`), "", map[string]any{"r": "NOPE"}, nil)
	require.Contains(t, res.Errors[0].Message, `value "NOPE" does not exist in enum Role`)

	res = exec.ExecuteRequest(context.Background(), mustParseQuery(t, `query A { count } query B { count }`), "", nil, nil)
	require.Equal(t, "operation not found", res.Errors[0].Message)
}

func TestResolveInfo(t *testing.T) {
	sch := mustBuildSchema(t, `
		type Query { obj: Obj }
		type Obj { name(upper: Boolean): String }
	`)
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.obj": valueResolver(map[string]any{"name": "ada"}),
	})
	doc := mustParseQuery(t, `query Named { obj { ...F } } fragment F on Obj { name(upper: true) }`)

	res := NewExecutor(rt, sch).ExecuteRequest(context.Background(), doc, "", nil, "root")
	require.Empty(t, res.Errors)

	infos := rt.GetInfos()
	require.Len(t, infos, 2)
	info := infos[1]
	require.Equal(t, "name", info.FieldName)
	require.Equal(t, []any{"obj", "name"}, info.Path)
	require.Equal(t, "obj.name", info.PathString())
	require.Equal(t, "Obj", info.ParentType.Name)
	require.Equal(t, "String", info.ReturnType.String())
	require.Equal(t, "Named", info.Operation.Name)
	require.NotNil(t, info.Fragments.ForName("F"))
	require.Len(t, info.FieldNodes[0].Arguments, 1)
	require.Equal(t, "root", info.RootValue)
	require.Same(t, sch, info.Schema)
}

func TestDirectives_SkipInclude(t *testing.T) {
	sch := mustBuildSchema(t, `type Query { a: String b: String c: String }`)
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.a": valueResolver("A"),
		"Query.b": valueResolver("B"),
		"Query.c": valueResolver("C"),
	})
	doc := mustParseQuery(t, `query($s: Boolean!) { a @skip(if: $s) b @include(if: false) c }`)

	got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), doc, "", map[string]any{"s": true}, nil)

	want := &ExecutionResult{Data: map[string]any{"c": "C"}, Errors: []GraphQLError{}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}

func TestMutation_RootFields(t *testing.T) {
	sch := mustBuildSchema(t, `
		type Query { ok: Boolean }
		type Mutation { inc(by: Int!): Int }
	`)
	markAsync(sch, "Mutation.inc")
	rt := NewMockRuntime(map[string]MockResolver{
		"Mutation.inc": func(_ context.Context, task ResolveTask) (any, error) { return task.Args["by"].(int) + 1, nil },
	})
	got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, `mutation { inc(by: 2) }`), "", nil, nil)
	require.Equal(t, map[string]any{"inc": 3}, got.Data)
}

type codedError struct{ code string }

func (e *codedError) Error() string              { return "coded " + e.code }
func (e *codedError) Extensions() map[string]any { return map[string]any{"code": e.code} }

func TestErrors_ResolverExtensions(t *testing.T) {
	sch := mustBuildSchema(t, `type Query { a: String b: String c: String }`)
	markAsync(sch, "Query.b")
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.a": errorResolver(&codedError{code: "NOT_FOUND"}),
		"Query.b": errorResolver(fmt.Errorf("wrapped: %w", &codedError{code: "UNAVAILABLE"})),
		"Query.c": errorResolver(fmt.Errorf("plain")),
	})
	exec := NewExecutor(rt, sch)

	got := exec.ExecuteRequest(context.Background(), mustParseQuery(t, "{ a b c }"), "", nil, nil)

	want := &ExecutionResult{
		Data: map[string]any{"a": nil, "b": nil, "c": nil},
		Errors: []GraphQLError{
			{Message: "coded NOT_FOUND", Path: Path{"a"}, Extensions: map[string]any{"code": "NOT_FOUND"}},
			{Message: "plain", Path: Path{"c"}},
			{Message: "wrapped: coded UNAVAILABLE", Path: Path{"b"}, Extensions: map[string]any{"code": "UNAVAILABLE"}},
		},
	}
	if diff := cmp.Diff(want, got, ignoreLocations); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}
