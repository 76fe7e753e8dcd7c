package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

func NewSchema(description string) *Schema {
	return &Schema{
		Description: description,
		Types:       make(map[string]*Type),
		Directives:  make(map[string]*Directive),
	}
}

func (s *Schema) SetQueryType(name string) *Schema        { s.QueryType = name; return s }
func (s *Schema) SetMutationType(name string) *Schema     { s.MutationType = name; return s }
func (s *Schema) SetSubscriptionType(name string) *Schema { s.SubscriptionType = name; return s }

func (s *Schema) AddType(t *Type) *Schema {
	if s.Types == nil {
		s.Types = make(map[string]*Type)
	}
	s.Types[t.Name] = t
	return s
}

func (s *Schema) AddDirective(d *Directive) *Schema {
	if s.Directives == nil {
		s.Directives = make(map[string]*Directive)
	}
	s.Directives[d.Name] = d
	return s
}

func NewType(name string, kind TypeKind, description string) *Type {
	return &Type{Name: name, Kind: kind, Description: description}
}

func (t *Type) AddField(f *Field) *Type           { t.Fields = append(t.Fields, f); return t }
func (t *Type) AddEnumValue(v *EnumValue) *Type    { t.EnumValues = append(t.EnumValues, v); return t }
func (t *Type) AddInputField(v *InputValue) *Type  { t.InputFields = append(t.InputFields, v); return t }
func (t *Type) SetOneOf(oneOf bool) *Type          { t.OneOf = oneOf; return t }
func (t *Type) SetSpecifiedByURL(url string) *Type { t.SpecifiedByURL = &url; return t }

func (t *Type) AddInterface(name string) *Type {
	for _, existing := range t.Interfaces {
		if existing == name {
			return t
		}
	}
	t.Interfaces = append(t.Interfaces, name)
	return t
}

func (t *Type) AddPossibleType(name string) *Type {
	for _, existing := range t.PossibleTypes {
		if existing == name {
			return t
		}
	}
	t.PossibleTypes = append(t.PossibleTypes, name)
	return t
}

func NewField(name, description string, typ *TypeRef) *Field {
	return &Field{Name: name, Description: description, Type: typ}
}

func (f *Field) SetAsync(async bool) *Field        { f.Async = async; return f }
func (f *Field) AddArgument(a *InputValue) *Field { f.Arguments = append(f.Arguments, a); return f }

func (f *Field) Deprecate(reason string) *Field {
	f.IsDeprecated = true
	f.DeprecationReason = reason
	return f
}

func NewEnumValue(name, description string) *EnumValue {
	return &EnumValue{Name: name, Description: description}
}

func (e *EnumValue) Deprecate(reason string) *EnumValue {
	e.IsDeprecated = true
	e.DeprecationReason = reason
	return e
}

func NewInputValue(name, description string, typ *TypeRef) *InputValue {
	return &InputValue{Name: name, Description: description, Type: typ}
}

func (v *InputValue) SetDefault(value any) *InputValue { v.DefaultValue = value; return v }

func (v *InputValue) Deprecate(reason string) *InputValue {
	v.IsDeprecated = true
	v.DeprecationReason = reason
	return v
}

func NewDirective(name, description string) *Directive {
	return &Directive{Name: name, Description: description}
}

func (d *Directive) SetRepeatable(repeatable bool) *Directive { d.IsRepeatable = repeatable; return d }
func (d *Directive) AddArgument(a *InputValue) *Directive      { d.Arguments = append(d.Arguments, a); return d }
func (d *Directive) AddLocation(loc string) *Directive         { d.Locations = append(d.Locations, loc); return d }

// BuildFromSDL parses and validates SDL sources and returns the corresponding
// Schema. Type extensions are merged into their definitions.
func BuildFromSDL(sources ...string) (*Schema, error) {
	src := make([]*ast.Source, len(sources))
	for i, s := range sources {
		src[i] = &ast.Source{Name: fmt.Sprintf("source%d.graphql", i), Input: s}
	}
	doc, err := gqlparser.LoadSchema(src...)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return BuildFromAST(doc), nil
}

// BuildFromAST converts a validated gqlparser schema.
func BuildFromAST(doc *ast.Schema) *Schema {
	s := NewSchema(doc.Description)
	if doc.Query != nil {
		s.SetQueryType(doc.Query.Name)
	}
	if doc.Mutation != nil {
		s.SetMutationType(doc.Mutation.Name)
	}
	if doc.Subscription != nil {
		s.SetSubscriptionType(doc.Subscription.Name)
	}
	addBuiltins(s)

	for name, def := range doc.Types {
		if def.BuiltIn || strings.HasPrefix(name, "__") {
			continue
		}
		s.AddType(buildDefinition(doc, def))
	}
	for name, dir := range doc.Directives {
		if _, ok := s.Directives[name]; ok || dir.Position != nil && dir.Position.Src != nil && dir.Position.Src.BuiltIn {
			continue
		}
		s.AddDirective(buildDirective(dir))
	}
	return s
}

func addBuiltins(s *Schema) {
	s.AddType(stringType).
		AddType(intType).
		AddType(floatType).
		AddType(booleanType).
		AddType(idType)
	s.AddDirective(includeDirective).
		AddDirective(skipDirective).
		AddDirective(deprecatedDirective)
}

func buildDefinition(doc *ast.Schema, def *ast.Definition) *Type {
	switch def.Kind {
	case ast.Object, ast.Interface:
		kind := TypeKindObject
		if def.Kind == ast.Interface {
			kind = TypeKindInterface
		}
		t := NewType(def.Name, kind, def.Description)
		for _, iface := range def.Interfaces {
			t.AddInterface(iface)
		}
		for _, fd := range def.Fields {
			if strings.HasPrefix(fd.Name, "__") {
				continue
			}
			t.AddField(buildField(fd))
		}
		if def.Kind == ast.Interface {
			names := make([]string, 0, len(doc.PossibleTypes[def.Name]))
			for _, pt := range doc.PossibleTypes[def.Name] {
				names = append(names, pt.Name)
			}
			sort.Strings(names)
			for _, n := range names {
				t.AddPossibleType(n)
			}
		}
		return t
	case ast.Union:
		t := NewType(def.Name, TypeKindUnion, def.Description)
		for _, member := range def.Types {
			t.AddPossibleType(member)
		}
		return t
	case ast.Enum:
		t := NewType(def.Name, TypeKindEnum, def.Description)
		for _, v := range def.EnumValues {
			ev := NewEnumValue(v.Name, v.Description)
			if reason, ok := deprecation(v.Directives); ok {
				ev.Deprecate(reason)
			}
			t.AddEnumValue(ev)
		}
		return t
	case ast.InputObject:
		t := NewType(def.Name, TypeKindInputObject, def.Description).
			SetOneOf(def.Directives.ForName("oneOf") != nil)
		for _, fd := range def.Fields {
			t.AddInputField(buildInputValue(fd.Name, fd.Description, fd.Type, fd.DefaultValue, fd.Directives))
		}
		return t
	default:
		t := NewType(def.Name, TypeKindScalar, def.Description)
		if d := def.Directives.ForName("specifiedBy"); d != nil {
			if arg := d.Arguments.ForName("url"); arg != nil && arg.Value != nil {
				t.SetSpecifiedByURL(arg.Value.Raw)
			}
		}
		return t
	}
}

func buildField(fd *ast.FieldDefinition) *Field {
	f := NewField(fd.Name, fd.Description, TypeRefFromAST(fd.Type))
	for _, arg := range fd.Arguments {
		f.AddArgument(buildInputValue(arg.Name, arg.Description, arg.Type, arg.DefaultValue, arg.Directives))
	}
	if reason, ok := deprecation(fd.Directives); ok {
		f.Deprecate(reason)
	}
	return f
}

func buildInputValue(name, description string, typ *ast.Type, def *ast.Value, dirs ast.DirectiveList) *InputValue {
	in := NewInputValue(name, description, TypeRefFromAST(typ))
	if def != nil {
		in.SetDefault(defaultValue(def))
	}
	if reason, ok := deprecation(dirs); ok {
		in.Deprecate(reason)
	}
	return in
}

func buildDirective(dir *ast.DirectiveDefinition) *Directive {
	d := NewDirective(dir.Name, dir.Description).SetRepeatable(dir.IsRepeatable)
	for _, loc := range dir.Locations {
		d.AddLocation(string(loc))
	}
	for _, arg := range dir.Arguments {
		d.AddArgument(buildInputValue(arg.Name, arg.Description, arg.Type, arg.DefaultValue, arg.Directives))
	}
	return d
}

func deprecation(dirs ast.DirectiveList) (string, bool) {
	d := dirs.ForName("deprecated")
	if d == nil {
		return "", false
	}
	if arg := d.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		return arg.Value.Raw, true
	}
	return "No longer supported", true
}

// TypeRefFromAST converts a gqlparser type expression.
func TypeRefFromAST(t *ast.Type) *TypeRef {
	if t == nil {
		return nil
	}
	var inner *TypeRef
	if t.Elem != nil {
		inner = ListType(TypeRefFromAST(t.Elem))
	} else {
		inner = NamedType(t.NamedType)
	}
	if t.NonNull {
		return NonNullType(inner)
	}
	return inner
}

// TypeRefToAST converts a reference into a gqlparser type expression.
func TypeRefToAST(t *TypeRef) *ast.Type {
	switch t.Kind {
	case TypeRefKindNonNull:
		inner := TypeRefToAST(t.OfType)
		inner.NonNull = true
		return inner
	case TypeRefKindList:
		return &ast.Type{Elem: TypeRefToAST(t.OfType)}
	default:
		return &ast.Type{NamedType: t.Named}
	}
}

// defaultValue keeps enum literals distinguishable from strings.
func defaultValue(v *ast.Value) any {
	switch v.Kind {
	case ast.EnumValue:
		return EnumLiteral(v.Raw)
	case ast.ListValue:
		out := make([]any, len(v.Children))
		for i, c := range v.Children {
			out[i] = defaultValue(c.Value)
		}
		return out
	case ast.ObjectValue:
		out := make(map[string]any, len(v.Children))
		for _, c := range v.Children {
			out[c.Name] = defaultValue(c.Value)
		}
		return out
	}
	val, err := v.Value(nil)
	if err != nil {
		return nil
	}
	return val
}

// ToAST renders the schema and loads it back as a gqlparser schema, for
// query validation.
func ToAST(s *Schema) (*ast.Schema, error) {
	doc, err := gqlparser.LoadSchema(&ast.Source{Name: "schema.graphql", Input: Render(s)})
	if err != nil {
		return nil, fmt.Errorf("load rendered schema: %w", err)
	}
	return doc, nil
}

// IntrospectionTypes returns the __Schema, __Type and related meta types as
// declared by the gqlparser prelude.
func IntrospectionTypes() ([]*Type, error) {
	doc, err := gqlparser.LoadSchema(&ast.Source{Name: "meta.graphql", Input: "type Query { _meta: Boolean }"})
	if err != nil {
		return nil, fmt.Errorf("load prelude: %w", err)
	}
	var out []*Type
	for name, def := range doc.Types {
		if strings.HasPrefix(name, "__") {
			out = append(out, buildDefinition(doc, def))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
