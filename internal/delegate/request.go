package delegate

import (
	"fmt"
	"sort"

	executor "github.com/hanpama/gqlmesh/internal/executor"
	language "github.com/hanpama/gqlmesh/internal/language"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	"github.com/vektah/gqlparser/v2/ast"
)

// BuildRequest builds the document sent to the subschema for opts, before
// any transform runs. The selection comes from opts.SelectionSet, else from
// the field nodes in opts.Info, else every leaf field of the return type. It
// is filtered to what the subschema defines; fragment spreads become inline
// fragments.
func BuildRequest(opts Options) (*executor.Request, error) {
	sub := opts.Subschema
	root := sub.Schema.RootType(opts.Operation)
	if root == nil {
		return nil, fmt.Errorf("delegate %s: subschema has no %s type", sub.Name, opts.Operation)
	}
	fieldDef := root.FieldByName(opts.FieldName)
	if fieldDef == nil {
		return nil, fmt.Errorf("delegate %s: %s.%s does not exist", sub.Name, root.Name, opts.FieldName)
	}

	b := &requestBuilder{schema: sub.Schema, keys: sub.KeySelections, usedVars: map[string]bool{}}
	if opts.Info != nil {
		b.fragments = opts.Info.Fragments
	}

	var selection language.SelectionSet
	switch {
	case opts.SelectionSet != nil:
		selection = language.CopySelectionSet(opts.SelectionSet)
	case opts.Info != nil:
		for _, node := range opts.Info.FieldNodes {
			selection = append(selection, language.CopySelectionSet(node.SelectionSet)...)
		}
	}
	returnType := sub.Schema.Types[fieldDef.Type.GetNamedType()]
	if returnType != nil && !returnType.IsLeaf() {
		if len(selection) == 0 {
			selection = defaultSelection(sub.Schema, returnType)
		}
		selection = b.filter(selection, returnType, true)
	} else {
		selection = nil
	}

	vars := make(map[string]any)
	var varDefs language.VariableDefinitionList
	var args language.ArgumentList
	names := make([]string, 0, len(opts.Args))
	for name := range opts.Args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		argDef := fieldDef.ArgumentByName(name)
		if argDef == nil {
			continue
		}
		varName := "_" + name
		varDefs = append(varDefs, &ast.VariableDefinition{Variable: varName, Type: schema.TypeRefToAST(argDef.Type)})
		args = append(args, &ast.Argument{Name: name, Value: &ast.Value{Kind: ast.Variable, Raw: varName}})
		vars[varName] = opts.Args[name]
	}
	if len(b.usedVars) > 0 && opts.Info != nil && opts.Info.Operation != nil {
		used := make([]string, 0, len(b.usedVars))
		for name := range b.usedVars {
			used = append(used, name)
		}
		sort.Strings(used)
		for _, name := range used {
			def := opts.Info.Operation.VariableDefinitions.ForName(name)
			if def == nil {
				continue
			}
			varDefs = append(varDefs, &ast.VariableDefinition{
				Variable:     def.Variable,
				Type:         copyType(def.Type),
				DefaultValue: def.DefaultValue,
			})
			if v, ok := opts.Info.VariableValues[name]; ok {
				vars[name] = v
			}
		}
	}

	field := &ast.Field{Alias: opts.FieldName, Name: opts.FieldName, Arguments: args, SelectionSet: selection}
	doc := &ast.QueryDocument{Operations: ast.OperationList{{
		Operation:           ast.Operation(opts.Operation),
		VariableDefinitions: varDefs,
		SelectionSet:        ast.SelectionSet{field},
	}}}
	return &executor.Request{Document: doc, Variables: vars, RootValue: opts.RootValue}, nil
}

type requestBuilder struct {
	schema    *schema.Schema
	keys      map[string]language.SelectionSet
	fragments language.FragmentDefinitionList
	usedVars  map[string]bool
}

// filter keeps the selections parent defines. Abstract parents always get
// __typename. withKeys merges the subschema key selections of parent.
func (b *requestBuilder) filter(ss language.SelectionSet, parent *schema.Type, withKeys bool) language.SelectionSet {
	var out language.SelectionSet
	for _, sel := range ss {
		switch s := sel.(type) {
		case *ast.Field:
			if s.Name == "__typename" {
				b.collectDirectiveVars(s.Directives)
				out = append(out, s)
				continue
			}
			fd := parent.FieldByName(s.Name)
			if fd == nil {
				continue
			}
			var args ast.ArgumentList
			for _, a := range s.Arguments {
				if fd.ArgumentByName(a.Name) != nil {
					args = append(args, a)
					b.collectVars(a.Value)
				}
			}
			s.Arguments = args
			b.collectDirectiveVars(s.Directives)
			named := b.schema.Types[fd.Type.GetNamedType()]
			if named == nil || named.IsLeaf() {
				s.SelectionSet = nil
			} else {
				s.SelectionSet = b.filter(s.SelectionSet, named, true)
				if len(s.SelectionSet) == 0 {
					s.SelectionSet = ast.SelectionSet{&ast.Field{Alias: "__typename", Name: "__typename"}}
				}
			}
			out = append(out, s)
		case *ast.InlineFragment:
			if f := b.inline(s, parent); f != nil {
				out = append(out, f)
			}
		case *ast.FragmentSpread:
			def := b.fragments.ForName(s.Name)
			if def == nil {
				continue
			}
			f := &ast.InlineFragment{
				TypeCondition: def.TypeCondition,
				Directives:    s.Directives,
				SelectionSet:  language.CopySelectionSet(def.SelectionSet),
				Position:      s.Position,
			}
			if f := b.inline(f, parent); f != nil {
				out = append(out, f)
			}
		}
	}
	if withKeys {
		if ks := b.keys[parent.Name]; len(ks) > 0 {
			out = language.MergeSelectionSets(out, b.filter(language.CopySelectionSet(ks), parent, false))
		}
	}
	if parent.IsAbstract() && !selectsTypename(out) {
		out = append(ast.SelectionSet{&ast.Field{Alias: "__typename", Name: "__typename"}}, out...)
	}
	return out
}

func (b *requestBuilder) inline(f *ast.InlineFragment, parent *schema.Type) *ast.InlineFragment {
	cond := parent
	if f.TypeCondition != "" {
		cond = b.schema.Types[f.TypeCondition]
	}
	if cond == nil {
		return nil
	}
	f.SelectionSet = b.filter(f.SelectionSet, cond, cond != parent)
	if len(f.SelectionSet) == 0 {
		return nil
	}
	b.collectDirectiveVars(f.Directives)
	return f
}

func (b *requestBuilder) collectDirectiveVars(ds ast.DirectiveList) {
	for _, d := range ds {
		for _, a := range d.Arguments {
			b.collectVars(a.Value)
		}
	}
}

func (b *requestBuilder) collectVars(v *ast.Value) {
	if v == nil {
		return
	}
	if v.Kind == ast.Variable {
		b.usedVars[v.Raw] = true
		return
	}
	for _, c := range v.Children {
		b.collectVars(c.Value)
	}
}

func selectsTypename(ss language.SelectionSet) bool {
	for _, sel := range ss {
		if f, ok := sel.(*ast.Field); ok && f.Name == "__typename" && language.ResponseKey(f) == "__typename" {
			return true
		}
	}
	return false
}

// defaultSelection selects every leaf field of t without required
// arguments.
func defaultSelection(s *schema.Schema, t *schema.Type) language.SelectionSet {
	var out language.SelectionSet
	for _, f := range t.Fields {
		named := s.Types[f.Type.GetNamedType()]
		if named == nil || !named.IsLeaf() || hasRequiredArgs(f) {
			continue
		}
		out = append(out, &ast.Field{Alias: f.Name, Name: f.Name})
	}
	if len(out) == 0 {
		out = ast.SelectionSet{&ast.Field{Alias: "__typename", Name: "__typename"}}
	}
	return out
}

func hasRequiredArgs(f *schema.Field) bool {
	for _, a := range f.Arguments {
		if a.Type.IsNonNull() && a.DefaultValue == nil {
			return true
		}
	}
	return false
}

func copyType(t *ast.Type) *ast.Type {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Elem = copyType(t.Elem)
	return &cp
}
