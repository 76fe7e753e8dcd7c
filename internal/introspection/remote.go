package introspection

import (
	"errors"
	"fmt"
	"strings"

	schema "github.com/hanpama/gqlmesh/internal/schema"
	"github.com/tidwall/gjson"
)

// Query is the introspection query sent to remote GraphQL sources.
const Query = `query IntrospectionQuery {
  __schema {
    description
    queryType { name }
    mutationType { name }
    subscriptionType { name }
    types { ...FullType }
    directives {
      name
      description
      isRepeatable
      locations
      args { ...InputValue }
    }
  }
}

fragment FullType on __Type {
  kind
  name
  description
  specifiedByURL
  fields(includeDeprecated: true) {
    name
    description
    args { ...InputValue }
    type { ...TypeRef }
    isDeprecated
    deprecationReason
  }
  inputFields { ...InputValue }
  interfaces { ...TypeRef }
  enumValues(includeDeprecated: true) {
    name
    description
    isDeprecated
    deprecationReason
  }
  possibleTypes { ...TypeRef }
}

fragment InputValue on __InputValue {
  name
  description
  type { ...TypeRef }
  defaultValue
}

fragment TypeRef on __Type {
  kind
  name
  ofType {
    kind
    name
    ofType {
      kind
      name
      ofType {
        kind
        name
        ofType {
          kind
          name
          ofType {
            kind
            name
            ofType {
              kind
              name
              ofType { kind name }
            }
          }
        }
      }
    }
  }
}
`

var ErrNoSchema = errors.New("introspection result has no __schema")

// SchemaFromJSON builds a schema from an introspection response, either the
// full {"data": {...}} envelope or the bare data object.
func SchemaFromJSON(raw []byte) (*schema.Schema, error) {
	sdl, err := SDLFromJSON(raw)
	if err != nil {
		return nil, err
	}
	return schema.BuildFromSDL(sdl)
}

// SDLFromJSON converts an introspection response into SDL.
func SDLFromJSON(raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", fmt.Errorf("introspection result is not valid JSON")
	}
	root := gjson.ParseBytes(raw)
	s := root.Get("data.__schema")
	if !s.Exists() {
		s = root.Get("__schema")
	}
	if !s.Exists() {
		if msg := root.Get("errors.0.message"); msg.Exists() {
			return "", fmt.Errorf("%w: %s", ErrNoSchema, msg.String())
		}
		return "", ErrNoSchema
	}

	var b strings.Builder
	query := s.Get("queryType.name").String()
	mutation := s.Get("mutationType.name").String()
	subscription := s.Get("subscriptionType.name").String()
	if (query != "" && query != "Query") || (mutation != "" && mutation != "Mutation") || (subscription != "" && subscription != "Subscription") {
		b.WriteString("schema {\n")
		for _, root := range [][2]string{{"query", query}, {"mutation", mutation}, {"subscription", subscription}} {
			if root[1] != "" {
				fmt.Fprintf(&b, "  %s: %s\n", root[0], root[1])
			}
		}
		b.WriteString("}\n\n")
	}

	for _, t := range s.Get("types").Array() {
		name := t.Get("name").String()
		if strings.HasPrefix(name, "__") || schema.IsBuiltinType(name) {
			continue
		}
		writeDescription(&b, "", t.Get("description").String())
		switch t.Get("kind").String() {
		case "SCALAR":
			b.WriteString("scalar " + name)
			if url := t.Get("specifiedByURL").String(); url != "" {
				fmt.Fprintf(&b, " @specifiedBy(url: %q)", url)
			}
			b.WriteString("\n\n")
		case "OBJECT", "INTERFACE":
			keyword := "type"
			if t.Get("kind").String() == "INTERFACE" {
				keyword = "interface"
			}
			b.WriteString(keyword + " " + name)
			if ifaces := t.Get("interfaces").Array(); len(ifaces) > 0 {
				names := make([]string, len(ifaces))
				for i, iface := range ifaces {
					names[i] = iface.Get("name").String()
				}
				b.WriteString(" implements " + strings.Join(names, " & "))
			}
			b.WriteString(" {\n")
			for _, f := range t.Get("fields").Array() {
				writeDescription(&b, "  ", f.Get("description").String())
				b.WriteString("  " + f.Get("name").String())
				writeArgs(&b, f.Get("args").Array())
				b.WriteString(": " + typeRef(f.Get("type")))
				writeDeprecated(&b, f)
				b.WriteString("\n")
			}
			b.WriteString("}\n\n")
		case "UNION":
			members := t.Get("possibleTypes").Array()
			names := make([]string, len(members))
			for i, m := range members {
				names[i] = m.Get("name").String()
			}
			fmt.Fprintf(&b, "union %s = %s\n\n", name, strings.Join(names, " | "))
		case "ENUM":
			b.WriteString("enum " + name + " {\n")
			for _, v := range t.Get("enumValues").Array() {
				writeDescription(&b, "  ", v.Get("description").String())
				b.WriteString("  " + v.Get("name").String())
				writeDeprecated(&b, v)
				b.WriteString("\n")
			}
			b.WriteString("}\n\n")
		case "INPUT_OBJECT":
			b.WriteString("input " + name + " {\n")
			for _, f := range t.Get("inputFields").Array() {
				writeDescription(&b, "  ", f.Get("description").String())
				b.WriteString("  " + inputValue(f) + "\n")
			}
			b.WriteString("}\n\n")
		default:
			return "", fmt.Errorf("type %s has unknown kind %q", name, t.Get("kind").String())
		}
	}

	for _, d := range s.Get("directives").Array() {
		name := d.Get("name").String()
		if schema.IsBuiltinDirective(name) {
			continue
		}
		writeDescription(&b, "", d.Get("description").String())
		b.WriteString("directive @" + name)
		writeArgs(&b, d.Get("args").Array())
		if d.Get("isRepeatable").Bool() {
			b.WriteString(" repeatable")
		}
		locs := d.Get("locations").Array()
		names := make([]string, len(locs))
		for i, l := range locs {
			names[i] = l.String()
		}
		b.WriteString(" on " + strings.Join(names, " | ") + "\n\n")
	}
	return b.String(), nil
}

func typeRef(t gjson.Result) string {
	switch t.Get("kind").String() {
	case "NON_NULL":
		return typeRef(t.Get("ofType")) + "!"
	case "LIST":
		return "[" + typeRef(t.Get("ofType")) + "]"
	default:
		return t.Get("name").String()
	}
}

func inputValue(v gjson.Result) string {
	out := v.Get("name").String() + ": " + typeRef(v.Get("type"))
	if def := v.Get("defaultValue"); def.Exists() && def.Type != gjson.Null {
		out += " = " + def.String()
	}
	return out
}

func writeArgs(b *strings.Builder, args []gjson.Result) {
	if len(args) == 0 {
		return
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = inputValue(a)
		if desc := a.Get("description").String(); desc != "" {
			parts[i] = fmt.Sprintf("%q ", desc) + parts[i]
		}
	}
	b.WriteString("(" + strings.Join(parts, ", ") + ")")
}

func writeDeprecated(b *strings.Builder, v gjson.Result) {
	if !v.Get("isDeprecated").Bool() {
		return
	}
	b.WriteString(" @deprecated")
	if reason := v.Get("deprecationReason").String(); reason != "" {
		fmt.Fprintf(b, "(reason: %q)", reason)
	}
}

func writeDescription(b *strings.Builder, indent, desc string) {
	if desc == "" {
		return
	}
	fmt.Fprintf(b, "%s%q\n", indent, desc)
}
