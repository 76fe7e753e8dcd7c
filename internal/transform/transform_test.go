package transform

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	executor "github.com/hanpama/gqlmesh/internal/executor"
	language "github.com/hanpama/gqlmesh/internal/language"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	"github.com/stretchr/testify/require"
)

const usersSDL = `
interface Node { id: ID! }
type User implements Node { id: ID! name: String role: Role }
enum Role { ADMIN MEMBER }
input UserFilter { role: Role }
type Query {
  user(id: ID!): User
  users(filter: UserFilter): [User!]!
  node(id: ID!): Node
  internal: String
}
type Mutation { touch(id: ID!): User }
`

func buildUsers(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.BuildFromSDL(usersSDL)
	require.NoError(t, err)
	return s
}

func TestSplit(t *testing.T) {
	wrap1 := &Prefix{Value: "A_"}
	bare := &Prefix{Value: "B_", Mode: ModeBare}
	filter := &FilterRootFields{Exclude: []string{"Query.internal"}}
	wrap2 := &RenameTypes{Rename: strings.ToUpper}

	wrap, noWrap := Split([]Transform{wrap1, bare, filter, wrap2})
	require.Equal(t, []Transform{wrap1, wrap2}, wrap)
	require.Equal(t, []Transform{bare, filter}, noWrap)
}

func TestPrefix_Schema(t *testing.T) {
	s := buildUsers(t)
	p := &Prefix{Value: "Users_", IgnoreTypes: []string{"Node"}}
	out, err := p.TransformSchema(s)
	require.NoError(t, err)

	require.NotNil(t, out.Types["Users_User"])
	require.NotNil(t, out.Types["Users_Role"])
	require.NotNil(t, out.Types["Node"])
	require.NotNil(t, out.Types["Query"])
	require.NotNil(t, out.Types["String"])
	require.Equal(t, "Users_User", out.GetQueryType().FieldByName("user").Type.GetNamedType())
	require.Equal(t, []string{"Node"}, out.Types["Users_User"].Interfaces)

	require.NotNil(t, s.Types["User"], "input schema must be left untouched")
}

func TestPrefix_RequestAndResult(t *testing.T) {
	p := &Prefix{Value: "Users_", IncludeRootOperations: true}
	out, err := p.TransformSchema(buildUsers(t))
	require.NoError(t, err)
	require.NotNil(t, out.GetQueryType().FieldByName("Users_node"))
	require.Nil(t, out.GetQueryType().FieldByName("node"))

	doc, err := language.ParseQuery(`query ($f: Users_UserFilter) {
		Users_node(id: "1") { __typename ... on Users_User { name } }
		Users_users(filter: $f) { id }
	}`)
	require.NoError(t, err)
	req, err := ApplyRequest(context.Background(), &executor.Request{Document: doc}, []Transform{p})
	require.NoError(t, err)
	op := req.Document.Operations[0]
	require.Equal(t, "UserFilter", op.VariableDefinitions[0].Type.NamedType)
	node := op.SelectionSet[0].(*language.Field)
	require.Equal(t, "node", node.Name)
	require.Equal(t, "Users_node", node.Alias)
	require.Equal(t, "User", node.SelectionSet[1].(*language.InlineFragment).TypeCondition)
	users := op.SelectionSet[1].(*language.Field)
	require.Equal(t, "users", users.Name)
	require.Equal(t, "Users_users", users.Alias)

	res := &executor.ExecutionResult{Data: map[string]any{
		"Users_node": map[string]any{"__typename": "User", "name": "Ada"},
		"list":       []any{schema.ResponseMap{"__typename": "User"}, map[string]any{"__typename": "Other"}},
	}}
	res, err = ApplyResult(context.Background(), res, []Transform{p})
	require.NoError(t, err)
	want := map[string]any{
		"Users_node": map[string]any{"__typename": "Users_User", "name": "Ada"},
		"list":       []any{schema.ResponseMap{"__typename": "Users_User"}, map[string]any{"__typename": "Other"}},
	}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestRenameTypes_Collision(t *testing.T) {
	_, err := (&RenameTypes{Rename: func(name string) string {
		if name == "Role" {
			return "User"
		}
		return name
	}}).TransformSchema(buildUsers(t))
	require.ErrorContains(t, err, "collides")

	_, err = (&RenameTypes{Rename: func(string) string { return "Same" }}).TransformSchema(buildUsers(t))
	require.ErrorContains(t, err, "both map to Same")
}

func TestFilterRootFields(t *testing.T) {
	s := buildUsers(t)
	out, err := (&FilterRootFields{Exclude: []string{"Query.internal", "Mutation.touch"}}).TransformSchema(s)
	require.NoError(t, err)
	require.Nil(t, out.GetQueryType().FieldByName("internal"))
	require.NotNil(t, out.GetQueryType().FieldByName("user"))
	require.Empty(t, out.MutationType)

	out, err = (&FilterRootFields{Include: []string{"Query.internal"}}).TransformSchema(s)
	require.NoError(t, err)
	require.Len(t, out.GetQueryType().Fields, 1)
	require.Nil(t, out.Types["User"])
	require.Nil(t, out.Types["UserFilter"])

	require.NotNil(t, s.GetQueryType().FieldByName("internal"))
}

func TestApplySchema_Order(t *testing.T) {
	out, err := ApplySchema(buildUsers(t), []Transform{
		&Prefix{Value: "A_"},
		&RenameTypes{Rename: func(name string) string { return strings.TrimPrefix(name, "A_") + "X" }},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Types["UserX"])
}
