package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Render prints s as SDL with types and directives sorted by name. Built-in
// scalars, built-in directives and meta types are left out.
func Render(s *Schema) string {
	if s == nil {
		return ""
	}
	w := &sdlWriter{}
	w.schemaBlock(s)

	names := make([]string, 0, len(s.Types))
	for name := range s.Types {
		if !IsBuiltinType(name) && !strings.HasPrefix(name, "__") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.typeDef(s.Types[name])
	}

	directives := make([]string, 0, len(s.Directives))
	for name := range s.Directives {
		if !IsBuiltinDirective(name) {
			directives = append(directives, name)
		}
	}
	sort.Strings(directives)
	for _, name := range directives {
		w.directiveDef(s.Directives[name])
	}
	return strings.TrimRight(w.String(), "\n") + "\n"
}

// RenderValue renders a Go value as a GraphQL literal.
func RenderValue(v any) string { return renderValue(v) }

// EnumLiteral is a default value rendered without quotes.
type EnumLiteral string

type sdlWriter struct {
	strings.Builder
}

func (w *sdlWriter) printf(format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}

// schemaBlock is only needed when a root type has a non-conventional name.
func (w *sdlWriter) schemaBlock(s *Schema) {
	roots := []struct{ op, name, conventional string }{
		{"query", s.QueryType, "Query"},
		{"mutation", s.MutationType, "Mutation"},
		{"subscription", s.SubscriptionType, "Subscription"},
	}
	custom := false
	for _, r := range roots {
		custom = custom || (r.name != "" && r.name != r.conventional)
	}
	if !custom {
		return
	}
	w.WriteString("schema {\n")
	for _, r := range roots {
		if r.name != "" {
			w.printf("  %s: %s\n", r.op, r.name)
		}
	}
	w.WriteString("}\n\n")
}

func (w *sdlWriter) typeDef(t *Type) {
	w.description(t.Description)
	switch t.Kind {
	case TypeKindScalar:
		w.WriteString("scalar " + t.Name)
		if t.SpecifiedByURL != nil {
			w.printf(" @specifiedBy(url: %s)", strconv.Quote(*t.SpecifiedByURL))
		}
		w.WriteString("\n\n")
	case TypeKindEnum:
		w.WriteString("enum " + t.Name + " {\n")
		for _, v := range t.EnumValues {
			w.description(v.Description)
			w.WriteString("  " + v.Name)
			w.deprecated(v.IsDeprecated, v.DeprecationReason)
			w.WriteString("\n")
		}
		w.WriteString("}\n\n")
	case TypeKindInputObject:
		w.WriteString("input " + t.Name)
		if t.OneOf {
			w.WriteString(" @oneOf")
		}
		w.WriteString(" {\n")
		for _, f := range t.InputFields {
			w.description(f.Description)
			w.WriteString("  ")
			w.inputValue(f)
			w.WriteString("\n")
		}
		w.WriteString("}\n\n")
	case TypeKindObject, TypeKindInterface:
		keyword := "type "
		if t.Kind == TypeKindInterface {
			keyword = "interface "
		}
		w.WriteString(keyword + t.Name)
		if len(t.Interfaces) > 0 {
			w.WriteString(" implements " + strings.Join(t.Interfaces, " & "))
		}
		w.WriteString(" {\n")
		for _, f := range t.Fields {
			w.description(f.Description)
			w.WriteString("  " + f.Name)
			w.arguments(f.Arguments)
			w.WriteString(": " + renderTypeRef(f.Type))
			w.deprecated(f.IsDeprecated, f.DeprecationReason)
			w.WriteString("\n")
		}
		w.WriteString("}\n\n")
	case TypeKindUnion:
		w.WriteString("union " + t.Name + " = " + strings.Join(t.PossibleTypes, " | ") + "\n\n")
	}
}

func (w *sdlWriter) directiveDef(d *Directive) {
	w.description(d.Description)
	w.WriteString("directive @" + d.Name)
	w.arguments(d.Arguments)
	if d.IsRepeatable {
		w.WriteString(" repeatable")
	}
	locs := make([]string, len(d.Locations))
	for i, l := range d.Locations {
		locs[i] = string(l)
	}
	w.WriteString(" on " + strings.Join(locs, " | ") + "\n\n")
}

func (w *sdlWriter) arguments(args []*InputValue) {
	if len(args) == 0 {
		return
	}
	w.WriteString("(")
	for i, a := range args {
		if i > 0 {
			w.WriteString(", ")
		}
		w.inputValue(a)
	}
	w.WriteString(")")
}

func (w *sdlWriter) inputValue(v *InputValue) {
	w.WriteString(v.Name + ": " + renderTypeRef(v.Type))
	if v.DefaultValue != nil {
		w.WriteString(" = " + renderValue(v.DefaultValue))
	}
	w.deprecated(v.IsDeprecated, v.DeprecationReason)
}

// description writes a block string. Member descriptions are not indented
// so multi-line text survives unchanged.
func (w *sdlWriter) description(desc string) {
	if desc == "" {
		return
	}
	w.WriteString(`"""` + "\n" + strings.ReplaceAll(desc, `"""`, `\"""`) + "\n" + `"""` + "\n")
}

func (w *sdlWriter) deprecated(deprecated bool, reason string) {
	if !deprecated {
		return
	}
	w.WriteString(" @deprecated")
	if reason != "" && reason != "No longer supported" {
		w.WriteString("(reason: " + strconv.Quote(reason) + ")")
	}
}

func renderTypeRef(t *TypeRef) string {
	if t == nil {
		return ""
	}
	switch t.Kind {
	case TypeRefKindNamed:
		return t.Named
	case TypeRefKindList:
		return "[" + renderTypeRef(t.OfType) + "]"
	case TypeRefKindNonNull:
		return renderTypeRef(t.OfType) + "!"
	}
	return ""
}

func renderValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	case EnumLiteral:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = renderValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + renderValue(v[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprint(value)
}
