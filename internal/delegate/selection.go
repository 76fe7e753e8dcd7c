package delegate

import (
	"context"
	"fmt"

	executor "github.com/hanpama/gqlmesh/internal/executor"
	language "github.com/hanpama/gqlmesh/internal/language"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	"github.com/vektah/gqlparser/v2/ast"
)

// AddSelectionSet merges SelectionSet into the selection of the field found
// at Path, a list of field names from the operation root.
type AddSelectionSet struct {
	Path         []string
	SelectionSet language.SelectionSet
}

func (a *AddSelectionSet) TransformSchema(s *schema.Schema) (*schema.Schema, error) { return s, nil }

func (a *AddSelectionSet) TransformRequest(_ context.Context, req *executor.Request) (*executor.Request, error) {
	if req.Document == nil || len(a.Path) == 0 {
		return req, nil
	}
	for _, op := range req.Document.Operations {
		for _, f := range fieldsAtPath(op.SelectionSet, a.Path) {
			f.SelectionSet = language.MergeSelectionSets(f.SelectionSet, a.SelectionSet)
		}
	}
	return req, nil
}

func fieldsAtPath(ss language.SelectionSet, path []string) []*ast.Field {
	var out []*ast.Field
	for _, sel := range ss {
		switch s := sel.(type) {
		case *ast.Field:
			if s.Name != path[0] {
				continue
			}
			if len(path) == 1 {
				out = append(out, s)
			} else {
				out = append(out, fieldsAtPath(s.SelectionSet, path[1:])...)
			}
		case *ast.InlineFragment:
			out = append(out, fieldsAtPath(s.SelectionSet, path)...)
		}
	}
	return out
}

// NormalizeSelectionSet turns a selection set given as a string, a parsed
// selection set, or a func(*ast.Field) any returning either, into a parsed
// selection set. field is the node handed to the function form; it may be
// nil.
func NormalizeSelectionSet(v any, field *ast.Field) (language.SelectionSet, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return language.ParseSelectionSet(x)
	case language.SelectionSet:
		return x, nil
	case func(*ast.Field) any:
		return NormalizeSelectionSet(x(field), field)
	case func(*ast.Field) string:
		return language.ParseSelectionSet(x(field))
	case func(*ast.Field) language.SelectionSet:
		return x(field), nil
	}
	return nil, fmt.Errorf("unsupported selection set %T", v)
}
