package schema

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	language "github.com/hanpama/gqlmesh/internal/language"
)

// ResolverFunc resolves one field. Args is never nil.
type ResolverFunc func(ctx context.Context, p ResolveParams) (any, error)

// SubscriberFunc opens the event stream of a subscription root field. The
// channel is closed by the producer when the stream ends or ctx is done.
type SubscriberFunc func(ctx context.Context, p ResolveParams) (<-chan any, error)

// TypeResolverFunc returns the concrete object type name of an abstract value.
type TypeResolverFunc func(ctx context.Context, value any, info *ResolveInfo) (string, error)

// ResolveParams is the single resolver input shape.
type ResolveParams struct {
	Source any
	Args   map[string]any
	Info   *ResolveInfo
}

// ResolveInfo describes the field being resolved within the current operation.
type ResolveInfo struct {
	FieldName      string
	FieldNodes     []*language.Field
	ReturnType     *TypeRef
	ParentType     *Type
	Path           []any
	Schema         *Schema
	Fragments      language.FragmentDefinitionList
	RootValue      any
	Operation      *language.OperationDefinition
	VariableValues map[string]any
}

// PathString renders the response path as "a.0.b".
func (info *ResolveInfo) PathString() string {
	if info == nil {
		return ""
	}
	parts := make([]string, len(info.Path))
	for i, p := range info.Path {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ".")
}

// FieldResolver holds user supplied resolver functions for one field.
type FieldResolver struct {
	Resolve   ResolverFunc
	Subscribe SubscriberFunc
}

// ResolverMap maps type name -> field name -> resolver.
type ResolverMap map[string]map[string]FieldResolver

// AddResolvers installs resolvers onto the schema fields. A field that
// receives a Resolve function is marked async.
func AddResolvers(s *Schema, resolvers ResolverMap) error {
	for typeName, fields := range resolvers {
		t := s.Types[typeName]
		if t == nil {
			return fmt.Errorf("resolvers given for unknown type %q", typeName)
		}
		for fieldName, r := range fields {
			f := t.FieldByName(fieldName)
			if f == nil {
				return fmt.Errorf("resolvers given for unknown field %s.%s", typeName, fieldName)
			}
			if r.Resolve != nil {
				f.Resolve = r.Resolve
				f.Async = true
			}
			if r.Subscribe != nil {
				f.Subscribe = r.Subscribe
			}
		}
	}
	return nil
}

// FieldByName returns the field called name, or nil.
func (t *Type) FieldByName(name string) *Field {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// RemoveField drops the field called name and reports whether it existed.
func (t *Type) RemoveField(name string) bool {
	for i, f := range t.Fields {
		if f.Name == name {
			t.Fields = append(t.Fields[:i:i], t.Fields[i+1:]...)
			return true
		}
	}
	return false
}

// ArgumentByName returns the argument definition called name, or nil.
func (f *Field) ArgumentByName(name string) *InputValue {
	for _, a := range f.Arguments {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// WrapResolver replaces the resolver slot with wrap(current) once per tag.
// The default property resolver is passed in place of an empty slot. It
// reports whether the slot was replaced.
func (f *Field) WrapResolver(tag string, wrap func(next ResolverFunc) ResolverFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.wrapped[tag]; ok {
		return false
	}
	if f.wrapped == nil {
		f.wrapped = make(map[string]struct{})
	}
	next := f.Resolve
	if next == nil {
		next = DefaultResolver
	}
	f.Resolve = wrap(next)
	f.wrapped[tag] = struct{}{}
	return true
}

// IsWrapped reports whether WrapResolver was applied with tag.
func (f *Field) IsWrapped(tag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.wrapped[tag]
	return ok
}

// VisitFields calls fn for every field of every object and interface type,
// in type name order. Introspection types are skipped.
func VisitFields(s *Schema, fn func(t *Type, f *Field)) {
	for _, name := range sortedTypeNames(s) {
		t := s.Types[name]
		if strings.HasPrefix(name, "__") {
			continue
		}
		if t.Kind != TypeKindObject && t.Kind != TypeKindInterface {
			continue
		}
		for _, f := range t.Fields {
			fn(t, f)
		}
	}
}

func sortedTypeNames(s *Schema) []string {
	names := make([]string, 0, len(s.Types))
	for name := range s.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClearResolver empties the resolver slots and the wrap marks, and makes the
// field sync again.
func (f *Field) ClearResolver() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Resolve = nil
	f.Subscribe = nil
	f.Async = false
	f.wrapped = nil
}

// ResponseMap is an object as returned by a GraphQL server, keyed by
// response key (the alias when the field was aliased).
type ResponseMap map[string]any

// DefaultResolver reads the field from a map source, or from an exported
// struct field of the same name. ResponseMap sources are read by response
// key.
func DefaultResolver(_ context.Context, p ResolveParams) (any, error) {
	if p.Info == nil {
		return nil, nil
	}
	if rm, ok := p.Source.(ResponseMap); ok {
		v, _ := ResponseValue(rm, p.Info)
		return v, nil
	}
	return PropertyOf(p.Source, p.Info.FieldName), nil
}

// ResponseKey returns the alias of the field being resolved, or its name.
func (info *ResolveInfo) ResponseKey() string {
	if info == nil {
		return ""
	}
	if len(info.FieldNodes) > 0 && info.FieldNodes[0].Alias != "" {
		return info.FieldNodes[0].Alias
	}
	return info.FieldName
}

// ResponseValue reads the value for the field being resolved from a response
// object and reports whether the key was present.
func ResponseValue(rm ResponseMap, info *ResolveInfo) (any, bool) {
	v, ok := rm[info.ResponseKey()]
	if !ok && info.ResponseKey() != info.FieldName {
		v, ok = rm[info.FieldName]
	}
	return v, ok
}

// PropertyOf returns source[name] for maps and source.Name for structs.
func PropertyOf(source any, name string) any {
	switch src := source.(type) {
	case nil:
		return nil
	case map[string]any:
		return src[name]
	case ResponseMap:
		return src[name]
	}
	rv := reflect.ValueOf(source)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		v := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil
		}
		return v.Interface()
	case reflect.Struct:
		exported := strings.ToUpper(name[:1]) + name[1:]
		if v := rv.FieldByName(exported); v.IsValid() && v.CanInterface() {
			return v.Interface()
		}
		for i := 0; i < rv.NumField(); i++ {
			sf := rv.Type().Field(i)
			if tag := strings.Split(sf.Tag.Get("json"), ",")[0]; tag == name && sf.IsExported() {
				return rv.Field(i).Interface()
			}
		}
	}
	return nil
}
