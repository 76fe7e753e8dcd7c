package transform

import (
	"context"
	"fmt"
	"strings"
	"sync"

	executor "github.com/hanpama/gqlmesh/internal/executor"
	language "github.com/hanpama/gqlmesh/internal/language"
	schema "github.com/hanpama/gqlmesh/internal/schema"
)

// RenameTypes renames every type except root types, built-in scalars and
// introspection types. Rename returning "" or the same name keeps the type.
type RenameTypes struct {
	Rename func(name string) string
	Mode   Mode

	mu         sync.RWMutex
	toOriginal map[string]string
	toRenamed  map[string]string
}

func (r *RenameTypes) NoWrap() bool { return r.Mode == ModeBare }

func (r *RenameTypes) TransformSchema(s *schema.Schema) (*schema.Schema, error) {
	out := s.Clone()
	mapping := make(map[string]string)
	for name := range out.Types {
		if out.IsRootType(name) || schema.IsBuiltinType(name) || strings.HasPrefix(name, "__") {
			continue
		}
		if renamed := r.Rename(name); renamed != "" && renamed != name {
			mapping[name] = renamed
		}
	}
	targets := make(map[string]string, len(mapping))
	for from, to := range mapping {
		if prev, dup := targets[to]; dup {
			return nil, fmt.Errorf("rename types: %s and %s both map to %s", prev, from, to)
		}
		if _, exists := out.Types[to]; exists {
			if _, moving := mapping[to]; !moving {
				return nil, fmt.Errorf("rename types: %s collides with existing type %s", from, to)
			}
		}
		targets[to] = from
	}
	out.RenameTypes(mapping)

	r.mu.Lock()
	r.toRenamed = mapping
	r.toOriginal = targets
	r.mu.Unlock()
	return out, nil
}

// TransformRequest restores original type names in type conditions and
// variable types.
func (r *RenameTypes) TransformRequest(_ context.Context, req *executor.Request) (*executor.Request, error) {
	r.mu.RLock()
	back := r.toOriginal
	r.mu.RUnlock()
	if len(back) == 0 || req.Document == nil {
		return req, nil
	}
	renameDocumentTypes(req.Document, back)
	return req, nil
}

// TransformResult renames __typename values.
func (r *RenameTypes) TransformResult(_ context.Context, res *executor.ExecutionResult) (*executor.ExecutionResult, error) {
	r.mu.RLock()
	fwd := r.toRenamed
	r.mu.RUnlock()
	if len(fwd) > 0 {
		renameTypenames(res.Data, fwd)
	}
	return res, nil
}

// Prefix renames types to Value+name. With IncludeRootOperations the root
// fields are prefixed as well.
type Prefix struct {
	Value                 string
	IncludeRootOperations bool
	IgnoreTypes           []string
	Mode                  Mode

	types  *RenameTypes
	fields *RenameRootFields
	once   sync.Once
}

func (p *Prefix) init() {
	p.once.Do(func() {
		ignored := make(map[string]bool, len(p.IgnoreTypes))
		for _, n := range p.IgnoreTypes {
			ignored[n] = true
		}
		p.types = &RenameTypes{Mode: p.Mode, Rename: func(name string) string {
			if ignored[name] {
				return name
			}
			return p.Value + name
		}}
		if p.IncludeRootOperations {
			p.fields = &RenameRootFields{Mode: p.Mode, Rename: func(_, field string) string { return p.Value + field }}
		}
	})
}

func (p *Prefix) NoWrap() bool { return p.Mode == ModeBare }

func (p *Prefix) TransformSchema(s *schema.Schema) (*schema.Schema, error) {
	p.init()
	out, err := p.types.TransformSchema(s)
	if err != nil || p.fields == nil {
		return out, err
	}
	return p.fields.TransformSchema(out)
}

func (p *Prefix) TransformRequest(ctx context.Context, req *executor.Request) (*executor.Request, error) {
	p.init()
	if p.fields != nil {
		var err error
		if req, err = p.fields.TransformRequest(ctx, req); err != nil {
			return nil, err
		}
	}
	return p.types.TransformRequest(ctx, req)
}

func (p *Prefix) TransformResult(ctx context.Context, res *executor.ExecutionResult) (*executor.ExecutionResult, error) {
	p.init()
	return p.types.TransformResult(ctx, res)
}

// RenameRootFields renames fields of the root types. Rename receives the
// operation ("query", "mutation", "subscription") and the field name.
type RenameRootFields struct {
	Rename func(operation, field string) string
	Mode   Mode

	mu         sync.RWMutex
	toOriginal map[string]map[string]string // operation -> renamed -> original
}

func (r *RenameRootFields) NoWrap() bool { return r.Mode == ModeBare }

func (r *RenameRootFields) TransformSchema(s *schema.Schema) (*schema.Schema, error) {
	out := s.Clone()
	back := make(map[string]map[string]string)
	for _, op := range []string{"query", "mutation", "subscription"} {
		root := out.RootType(op)
		if root == nil {
			continue
		}
		back[op] = make(map[string]string)
		for _, f := range root.Fields {
			renamed := r.Rename(op, f.Name)
			if renamed == "" || renamed == f.Name {
				continue
			}
			if root.FieldByName(renamed) != nil {
				return nil, fmt.Errorf("rename root fields: %s.%s collides with an existing field", root.Name, renamed)
			}
			back[op][renamed] = f.Name
			f.Name = renamed
		}
	}
	r.mu.Lock()
	r.toOriginal = back
	r.mu.Unlock()
	return out, nil
}

// TransformRequest restores original root field names, aliasing them to the
// renamed name so results keep their shape.
func (r *RenameRootFields) TransformRequest(_ context.Context, req *executor.Request) (*executor.Request, error) {
	r.mu.RLock()
	back := r.toOriginal
	r.mu.RUnlock()
	if req.Document == nil {
		return req, nil
	}
	for _, op := range req.Document.Operations {
		names := back[string(op.Operation)]
		if len(names) == 0 {
			continue
		}
		renameRootSelections(op.SelectionSet, names)
	}
	return req, nil
}

func renameRootSelections(ss language.SelectionSet, names map[string]string) {
	for _, sel := range ss {
		switch s := sel.(type) {
		case *language.Field:
			if orig, ok := names[s.Name]; ok {
				if s.Alias == "" {
					s.Alias = s.Name
				}
				s.Name = orig
			}
		case *language.InlineFragment:
			renameRootSelections(s.SelectionSet, names)
		}
	}
}

func renameDocumentTypes(doc *language.QueryDocument, back map[string]string) {
	rename := func(name string) string {
		if orig, ok := back[name]; ok {
			return orig
		}
		return name
	}
	var walk func(ss language.SelectionSet)
	walk = func(ss language.SelectionSet) {
		for _, sel := range ss {
			switch s := sel.(type) {
			case *language.Field:
				walk(s.SelectionSet)
			case *language.InlineFragment:
				if s.TypeCondition != "" {
					s.TypeCondition = rename(s.TypeCondition)
				}
				walk(s.SelectionSet)
			}
		}
	}
	for _, op := range doc.Operations {
		for _, v := range op.VariableDefinitions {
			for t := v.Type; t != nil; t = t.Elem {
				if t.NamedType != "" {
					t.NamedType = rename(t.NamedType)
				}
			}
		}
		walk(op.SelectionSet)
	}
	for _, f := range doc.Fragments {
		f.TypeCondition = rename(f.TypeCondition)
		walk(f.SelectionSet)
	}
}

func renameTypenames(v any, fwd map[string]string) {
	switch x := v.(type) {
	case map[string]any:
		renameTypenameIn(x, fwd)
		for _, c := range x {
			renameTypenames(c, fwd)
		}
	case schema.ResponseMap:
		renameTypenameIn(x, fwd)
		for _, c := range x {
			renameTypenames(c, fwd)
		}
	case []any:
		for _, c := range x {
			renameTypenames(c, fwd)
		}
	}
}

func renameTypenameIn(m map[string]any, fwd map[string]string) {
	if tn, ok := m["__typename"].(string); ok {
		if renamed, ok := fwd[tn]; ok {
			m["__typename"] = renamed
		}
	}
}
