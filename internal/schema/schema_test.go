package schema

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	language "github.com/hanpama/gqlmesh/internal/language"
	"github.com/stretchr/testify/require"
)

func buildTestSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := BuildFromSDL(
		mustReadFile(t, "testdata/base.graphql"),
		mustReadFile(t, "testdata/extensions.graphql"),
	)
	require.NoError(t, err, "failed to build schema from SDL")
	return s
}

func TestBuildFromSDL(t *testing.T) {
	s := buildTestSchema(t)

	require.Equal(t, "Query", s.QueryType)
	require.Equal(t, "Mutation", s.MutationType)
	require.Empty(t, s.SubscriptionType)

	query := s.GetQueryType()
	require.NotNil(t, query)
	var names []string
	for _, f := range query.Fields {
		names = append(names, f.Name)
	}
	if diff := cmp.Diff([]string{"user", "users", "search", "node", "now"}, names); diff != "" {
		t.Fatalf("query fields mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "[User!]!", query.FieldByName("users").Type.String())

	user := s.Types["User"]
	require.Equal(t, []string{"Node"}, user.Interfaces)
	email := user.FieldByName("email")
	require.True(t, email.IsDeprecated)
	require.Equal(t, "use contact", email.DeprecationReason)

	require.Equal(t, []string{"Book", "User"}, s.Types["Node"].PossibleTypes)
	require.Equal(t, []string{"User", "Book"}, s.Types["SearchResult"].PossibleTypes)

	role := s.Types["Role"]
	require.Len(t, role.EnumValues, 3)
	require.True(t, role.EnumValues[2].IsDeprecated)

	filter := s.Types["UserFilter"]
	require.Equal(t, EnumLiteral("MEMBER"), filter.InputFields[0].DefaultValue)
	require.Equal(t, int64(10), filter.InputFields[1].DefaultValue)

	require.NotNil(t, s.Types["DateTime"].SpecifiedByURL)
	require.Contains(t, s.Directives, "cached")
	require.NotContains(t, s.Types, "__Schema")
}

func TestBuildFromSDL_Invalid(t *testing.T) {
	_, err := BuildFromSDL("type Query { user: Missing }")
	require.Error(t, err)
}

func TestSchemaRenderSnapshot(t *testing.T) {
	actual := Render(buildTestSchema(t))

	snapshotPath := filepath.Join("testdata", "schema_rendered.graphql")

	// If snapshot doesn't exist, create it
	if _, err := os.Stat(snapshotPath); os.IsNotExist(err) {
		err := os.WriteFile(snapshotPath, []byte(actual), 0644)
		require.NoError(t, err, "failed to write snapshot file")
		t.Logf("Created snapshot file: %s", snapshotPath)
		return
	}

	expected, err := os.ReadFile(snapshotPath)
	require.NoError(t, err, "failed to read snapshot file")

	if diff := cmp.Diff(string(expected), actual); diff != "" {
		t.Errorf("Rendered schema snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	first := Render(buildTestSchema(t))
	rebuilt, err := BuildFromSDL(first)
	require.NoError(t, err, "rendered SDL must load again")
	if diff := cmp.Diff(first, Render(rebuilt)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderSchemaDefinition(t *testing.T) {
	s := NewSchema("").SetQueryType("RootQuery")
	s.AddType(NewType("RootQuery", TypeKindObject, "").AddField(NewField("ok", "", NamedType("Boolean"))))
	out := Render(s)
	require.Contains(t, out, "schema {\n  query: RootQuery\n}")

	_, err := ToAST(s)
	require.NoError(t, err)
}

func TestWrapResolver_Idempotent(t *testing.T) {
	f := NewField("name", "", NamedType("String"))
	calls := 0
	wrap := func(next ResolverFunc) ResolverFunc {
		return func(ctx context.Context, p ResolveParams) (any, error) {
			calls++
			return next(ctx, p)
		}
	}
	require.True(t, f.WrapResolver("hooks", wrap))
	require.False(t, f.WrapResolver("hooks", wrap))
	require.True(t, f.IsWrapped("hooks"))

	got, err := f.Resolve(context.Background(), ResolveParams{
		Source: map[string]any{"name": "Ada"},
		Args:   map[string]any{},
		Info:   &ResolveInfo{FieldName: "name"},
	})
	require.NoError(t, err)
	require.Equal(t, "Ada", got)
	require.Equal(t, 1, calls)
}

func TestClone_IsolatesWrapping(t *testing.T) {
	s := buildTestSchema(t)
	c := s.Clone()

	c.GetQueryType().FieldByName("user").WrapResolver("x", func(next ResolverFunc) ResolverFunc { return next })
	require.False(t, s.GetQueryType().FieldByName("user").IsWrapped("x"))
	require.Nil(t, s.GetQueryType().FieldByName("user").Resolve)

	c.Types["User"].RemoveField("email")
	require.NotNil(t, s.Types["User"].FieldByName("email"))
	require.Equal(t, Render(s.Clone()), Render(s))
}

func TestAddResolvers(t *testing.T) {
	s := buildTestSchema(t)
	err := AddResolvers(s, ResolverMap{
		"Query": {"user": {Resolve: func(ctx context.Context, p ResolveParams) (any, error) { return nil, nil }}},
	})
	require.NoError(t, err)
	require.True(t, s.GetQueryType().FieldByName("user").Async)

	err = AddResolvers(s, ResolverMap{"Query": {"missing": {}}})
	require.ErrorContains(t, err, "Query.missing")
}

func TestVisitFields(t *testing.T) {
	s := buildTestSchema(t)
	seen := map[string]bool{}
	VisitFields(s, func(typ *Type, f *Field) { seen[typ.Name+"."+f.Name] = true })
	require.True(t, seen["Query.user"])
	require.True(t, seen["Node.id"])
	require.True(t, seen["Mutation.updateUser"])
	require.False(t, seen["UserFilter.role"])
}

func TestPropertyOf(t *testing.T) {
	type user struct {
		Name  string
		Email string `json:"mail"`
	}
	require.Equal(t, "Ada", PropertyOf(&user{Name: "Ada"}, "name"))
	require.Equal(t, "a@x", PropertyOf(user{Email: "a@x"}, "mail"))
	require.Equal(t, 1, PropertyOf(map[string]int{"n": 1}, "n"))
	require.Nil(t, PropertyOf(nil, "n"))
	require.Nil(t, PropertyOf((*user)(nil), "name"))
}

func TestDefaultResolver_ResponseMap(t *testing.T) {
	info := &ResolveInfo{FieldName: "name", FieldNodes: []*language.Field{{Alias: "n", Name: "name"}}}
	v, err := DefaultResolver(context.Background(), ResolveParams{Source: ResponseMap{"n": "Ada", "name": "other"}, Info: info})
	require.NoError(t, err)
	require.Equal(t, "Ada", v)

	v, err = DefaultResolver(context.Background(), ResolveParams{Source: map[string]any{"n": "x", "name": "Ada"}, Info: info})
	require.NoError(t, err)
	require.Equal(t, "Ada", v)

	_, ok := ResponseValue(ResponseMap{}, info)
	require.False(t, ok)
}

func TestClearResolver(t *testing.T) {
	f := NewField("name", "", NamedType("String")).SetAsync(true)
	f.WrapResolver("hooks", func(next ResolverFunc) ResolverFunc { return next })
	f.ClearResolver()
	require.Nil(t, f.Resolve)
	require.False(t, f.Async)
	require.False(t, f.IsWrapped("hooks"))
}

func TestRenameTypes(t *testing.T) {
	s := buildTestSchema(t)
	s.RenameTypes(map[string]string{"User": "Users_User", "Role": "Users_Role", "Query": "RootQuery"})

	require.Nil(t, s.Types["User"])
	require.Equal(t, "Users_User", s.Types["Users_User"].Name)
	require.Equal(t, "RootQuery", s.QueryType)
	require.Equal(t, "Users_User", s.GetQueryType().FieldByName("user").Type.GetNamedType())
	require.Equal(t, "Users_Role", s.Types["Users_User"].FieldByName("role").Type.GetNamedType())
	require.Contains(t, s.Types["Node"].PossibleTypes, "Users_User")

	_, err := ToAST(s)
	require.NoError(t, err)
}

func TestRemoveUnreachableTypes(t *testing.T) {
	s, err := BuildFromSDL(`
		interface Node { id: ID! }
		type User implements Node { id: ID! }
		type Orphan { x: Int }
		input Unused { x: Int }
		scalar JSON
		type Query { node: Node }
	`)
	require.NoError(t, err)
	s.RemoveUnreachableTypes()

	require.NotNil(t, s.Types["User"])
	require.NotNil(t, s.Types["JSON"])
	require.Nil(t, s.Types["Orphan"])
	require.Nil(t, s.Types["Unused"])
}

func mustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read file: %s", path)
	return string(content)
}
