package introspection

import (
	"context"
	"sort"
	"strings"

	executor "github.com/hanpama/gqlmesh/internal/executor"
	schema "github.com/hanpama/gqlmesh/internal/schema"
)

// NewExecutor builds an executor over sch that answers __schema, __type and
// the fields of the meta types itself, and resolves every other field with
// the resolvers attached to sch.
func NewExecutor(sch *schema.Schema, concurrency int) (*executor.Executor, error) {
	extended, err := extendSchemaWithIntrospection(sch)
	if err != nil {
		return nil, err
	}
	rt := &metaRuntime{
		Runtime: executor.NewSchemaRuntime(extended, concurrency),
		query:   extended.QueryType,
		served:  sch,
	}
	return executor.NewExecutor(rt, extended), nil
}

// metaRuntime serves introspection from served, the schema as clients see
// it, without the meta types and root fields.
type metaRuntime struct {
	executor.Runtime
	query  string
	served *schema.Schema
}

func (r *metaRuntime) ResolveSync(ctx context.Context, task executor.ResolveTask) (any, error) {
	if fields, ok := metaFields[task.ObjectType]; ok {
		if resolve, ok := fields[task.Field]; ok {
			return resolve(r.served, task.Source, task.Args), nil
		}
		return nil, nil
	}
	if task.ObjectType == r.query {
		switch task.Field {
		case "__schema":
			return r.served, nil
		case "__type":
			name, _ := task.Args["name"].(string)
			if name == "" {
				return nil, nil
			}
			return r.served.Types[name], nil
		}
	}
	return r.Runtime.ResolveSync(ctx, task)
}

type metaResolver func(sch *schema.Schema, src any, args map[string]any) any

// metaFields resolves the fields of each meta type. __Type sources are
// either named types or TypeRef wrappers.
var metaFields = map[string]map[string]metaResolver{
	"__Schema": {
		"description": func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.Schema).Description },
		"types": func(_ *schema.Schema, src any, _ map[string]any) any {
			s := src.(*schema.Schema)
			out := make([]*schema.Type, 0, len(s.Types))
			for _, t := range s.Types {
				if !strings.HasPrefix(t.Name, "__") {
					out = append(out, t)
				}
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
			return out
		},
		"queryType":        func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.Schema).GetQueryType() },
		"mutationType":     func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.Schema).GetMutationType() },
		"subscriptionType": func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.Schema).GetSubscriptionType() },
		"directives": func(_ *schema.Schema, src any, _ map[string]any) any {
			s := src.(*schema.Schema)
			out := make([]*schema.Directive, 0, len(s.Directives))
			for _, d := range s.Directives {
				out = append(out, d)
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
			return out
		},
	},
	"__Type": {
		"kind": func(sch *schema.Schema, src any, _ map[string]any) any {
			if tr, ok := src.(*schema.TypeRef); ok && tr.Kind != schema.TypeRefKindNamed {
				if tr.Kind == schema.TypeRefKindList {
					return "LIST"
				}
				return "NON_NULL"
			}
			if t := namedType(sch, src); t != nil {
				return string(t.Kind)
			}
			return nil
		},
		"name": func(_ *schema.Schema, src any, _ map[string]any) any {
			switch v := src.(type) {
			case *schema.Type:
				return v.Name
			case *schema.TypeRef:
				if v.Kind == schema.TypeRefKindNamed {
					return v.Named
				}
			}
			return nil
		},
		"ofType": func(_ *schema.Schema, src any, _ map[string]any) any {
			if tr, ok := src.(*schema.TypeRef); ok && tr.Kind != schema.TypeRefKindNamed {
				return tr.OfType
			}
			return nil
		},
		"description":    onType(func(_ *schema.Schema, t *schema.Type, _ map[string]any) any { return t.Description }),
		"specifiedByURL": onType(func(_ *schema.Schema, t *schema.Type, _ map[string]any) any { return t.SpecifiedByURL }),
		"isOneOf":        onType(func(_ *schema.Schema, t *schema.Type, _ map[string]any) any { return t.OneOf }),
		"fields": onType(func(_ *schema.Schema, t *schema.Type, args map[string]any) any {
			if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
				return nil
			}
			return visible(t.Fields, args, func(f *schema.Field) bool { return f.IsDeprecated })
		}),
		"interfaces": onType(func(sch *schema.Schema, t *schema.Type, _ map[string]any) any {
			if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
				return nil
			}
			return lookupTypes(sch, t.Interfaces)
		}),
		"possibleTypes": onType(func(sch *schema.Schema, t *schema.Type, _ map[string]any) any {
			if t.Kind != schema.TypeKindInterface && t.Kind != schema.TypeKindUnion {
				return nil
			}
			return lookupTypes(sch, t.PossibleTypes)
		}),
		"enumValues": onType(func(_ *schema.Schema, t *schema.Type, args map[string]any) any {
			if t.Kind != schema.TypeKindEnum {
				return nil
			}
			return visible(t.EnumValues, args, func(v *schema.EnumValue) bool { return v.IsDeprecated })
		}),
		"inputFields": onType(func(_ *schema.Schema, t *schema.Type, args map[string]any) any {
			if t.Kind != schema.TypeKindInputObject {
				return nil
			}
			return visible(t.InputFields, args, func(v *schema.InputValue) bool { return v.IsDeprecated })
		}),
	},
	"__Field": {
		"name":        func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.Field).Name },
		"description": func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.Field).Description },
		"type":        func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.Field).Type },
		"args": func(_ *schema.Schema, src any, args map[string]any) any {
			return visible(src.(*schema.Field).Arguments, args, func(v *schema.InputValue) bool { return v.IsDeprecated })
		},
		"isDeprecated": func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.Field).IsDeprecated },
		"deprecationReason": func(_ *schema.Schema, src any, _ map[string]any) any {
			f := src.(*schema.Field)
			return reason(f.IsDeprecated, f.DeprecationReason)
		},
	},
	"__InputValue": {
		"name":        func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.InputValue).Name },
		"description": func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.InputValue).Description },
		"type":        func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.InputValue).Type },
		"defaultValue": func(_ *schema.Schema, src any, _ map[string]any) any {
			v := src.(*schema.InputValue)
			if v.DefaultValue == nil {
				return (*string)(nil)
			}
			s := schema.RenderValue(v.DefaultValue)
			return &s
		},
		"isDeprecated": func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.InputValue).IsDeprecated },
		"deprecationReason": func(_ *schema.Schema, src any, _ map[string]any) any {
			v := src.(*schema.InputValue)
			return reason(v.IsDeprecated, v.DeprecationReason)
		},
	},
	"__EnumValue": {
		"name":         func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.EnumValue).Name },
		"description":  func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.EnumValue).Description },
		"isDeprecated": func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.EnumValue).IsDeprecated },
		"deprecationReason": func(_ *schema.Schema, src any, _ map[string]any) any {
			v := src.(*schema.EnumValue)
			return reason(v.IsDeprecated, v.DeprecationReason)
		},
	},
	"__Directive": {
		"name":         func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.Directive).Name },
		"description":  func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.Directive).Description },
		"isRepeatable": func(_ *schema.Schema, src any, _ map[string]any) any { return src.(*schema.Directive).IsRepeatable },
		"locations": func(_ *schema.Schema, src any, _ map[string]any) any {
			d := src.(*schema.Directive)
			locs := make([]string, len(d.Locations))
			for i, l := range d.Locations {
				locs[i] = string(l)
			}
			sort.Strings(locs)
			return locs
		},
		"args": func(_ *schema.Schema, src any, args map[string]any) any {
			return visible(src.(*schema.Directive).Arguments, args, func(v *schema.InputValue) bool { return v.IsDeprecated })
		},
	},
}

// namedType returns the definition behind a __Type source, or nil for list
// and non-null wrappers.
func namedType(sch *schema.Schema, src any) *schema.Type {
	switch v := src.(type) {
	case *schema.Type:
		return v
	case *schema.TypeRef:
		if v.Kind == schema.TypeRefKindNamed {
			return sch.Types[v.Named]
		}
	}
	return nil
}

// onType adapts a resolver of named types to any __Type source. Wrappers
// resolve to null.
func onType(fn func(sch *schema.Schema, t *schema.Type, args map[string]any) any) metaResolver {
	return func(sch *schema.Schema, src any, args map[string]any) any {
		t := namedType(sch, src)
		if t == nil {
			return nil
		}
		return fn(sch, t, args)
	}
}

// visible drops deprecated items unless includeDeprecated is set.
func visible[T any](items []T, args map[string]any, deprecated func(T) bool) []T {
	include, _ := args["includeDeprecated"].(bool)
	out := make([]T, 0, len(items))
	for _, it := range items {
		if include || !deprecated(it) {
			out = append(out, it)
		}
	}
	return out
}

func lookupTypes(sch *schema.Schema, names []string) []*schema.Type {
	out := make([]*schema.Type, 0, len(names))
	for _, name := range names {
		if def := sch.Types[name]; def != nil {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func reason(deprecated bool, r string) *string {
	if !deprecated {
		return nil
	}
	return &r
}
