package grpc

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/reflect/protoreflect"
)

const (
	jsonScalar       = "JSON"
	placeholderField = "_services"
)

type method struct {
	root  string
	field string
	desc  protoreflect.MethodDescriptor
}

// generator renders the GraphQL SDL of a set of services. Messages become
// object and input types named after their full name with dots replaced by
// underscores. Field names are the protobuf JSON names.
type generator struct {
	queryPrefixes []string
	defs          map[string]string
	services      []string
	methods       []method
	usesJSON      bool
	placeholder   bool
}

func newGenerator(queryPrefixes []string) *generator {
	return &generator{queryPrefixes: queryPrefixes, defs: map[string]string{}}
}

// addService adds the unary methods of sd and returns the streaming ones,
// which are not exposed.
func (g *generator) addService(sd protoreflect.ServiceDescriptor) []protoreflect.MethodDescriptor {
	g.services = append(g.services, string(sd.FullName()))
	var skipped []protoreflect.MethodDescriptor
	ms := sd.Methods()
	for i := 0; i < ms.Len(); i++ {
		md := ms.Get(i)
		if md.IsStreamingClient() || md.IsStreamingServer() {
			skipped = append(skipped, md)
			continue
		}
		g.methods = append(g.methods, method{
			root:  g.rootFor(string(md.Name())),
			field: string(sd.Name()) + "_" + string(md.Name()),
			desc:  md,
		})
	}
	return skipped
}

func (g *generator) rootFor(name string) string {
	for _, p := range g.queryPrefixes {
		if strings.HasPrefix(name, p) {
			return "Query"
		}
	}
	return "Mutation"
}

func (g *generator) serviceNames() []any {
	out := make([]any, len(g.services))
	for i, s := range g.services {
		out[i] = s
	}
	return out
}

func (g *generator) sdl() string {
	roots := map[string][]string{}
	for _, m := range g.methods {
		field := m.field
		if in := m.desc.Input(); in.Fields().Len() > 0 {
			field += fmt.Sprintf("(input: %s)", g.inputType(in))
		}
		field += ": " + g.outputType(m.desc.Output())
		roots[m.root] = append(roots[m.root], field)
	}
	if len(roots["Query"]) == 0 {
		g.placeholder = true
		roots["Query"] = []string{placeholderField + ": [String!]!"}
	}

	var b strings.Builder
	if g.usesJSON {
		b.WriteString("scalar " + jsonScalar + "\n\n")
	}
	for _, root := range []string{"Query", "Mutation"} {
		if len(roots[root]) == 0 {
			continue
		}
		fmt.Fprintf(&b, "type %s {\n", root)
		for _, f := range roots[root] {
			b.WriteString("  " + f + "\n")
		}
		b.WriteString("}\n\n")
	}
	names := make([]string, 0, len(g.defs))
	for name := range g.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(g.defs[name])
		b.WriteString("\n")
	}
	return b.String()
}

func typeName(d protoreflect.Descriptor) string {
	return strings.ReplaceAll(string(d.FullName()), ".", "_")
}

// wellKnown maps well-known types to the GraphQL scalar their protojson
// form fits.
var wellKnown = map[protoreflect.FullName]string{
	"google.protobuf.Timestamp":   "String",
	"google.protobuf.Duration":    "String",
	"google.protobuf.FieldMask":   "String",
	"google.protobuf.StringValue": "String",
	"google.protobuf.BytesValue":  "String",
	"google.protobuf.BoolValue":   "Boolean",
	"google.protobuf.Int32Value":  "Int",
	"google.protobuf.UInt32Value": "Int",
	"google.protobuf.Int64Value":  "String",
	"google.protobuf.UInt64Value": "String",
	"google.protobuf.FloatValue":  "Float",
	"google.protobuf.DoubleValue": "Float",
	"google.protobuf.Struct":      jsonScalar,
	"google.protobuf.Value":       jsonScalar,
	"google.protobuf.ListValue":   jsonScalar,
	"google.protobuf.Any":         jsonScalar,
}

func (g *generator) messageScalar(md protoreflect.MessageDescriptor) (string, bool) {
	if s, ok := wellKnown[md.FullName()]; ok {
		if s == jsonScalar {
			g.usesJSON = true
		}
		return s, true
	}
	if md.Fields().Len() == 0 {
		g.usesJSON = true
		return jsonScalar, true
	}
	return "", false
}

func (g *generator) outputType(md protoreflect.MessageDescriptor) string {
	if s, ok := g.messageScalar(md); ok {
		return s
	}
	name := typeName(md)
	if _, ok := g.defs[name]; ok {
		return name
	}
	g.defs[name] = ""
	g.defs[name] = g.object("type", name, md.Fields(), false)
	return name
}

func (g *generator) inputType(md protoreflect.MessageDescriptor) string {
	if s, ok := g.messageScalar(md); ok {
		return s
	}
	name := typeName(md) + "Input"
	if _, ok := g.defs[name]; ok {
		return name
	}
	g.defs[name] = ""
	g.defs[name] = g.object("input", name, md.Fields(), true)
	return name
}

func (g *generator) object(keyword, name string, fields protoreflect.FieldDescriptors, input bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s {\n", keyword, name)
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		fmt.Fprintf(&b, "  %s: %s\n", fd.JSONName(), g.fieldType(fd, input))
	}
	b.WriteString("}\n")
	return b.String()
}

func (g *generator) fieldType(fd protoreflect.FieldDescriptor, input bool) string {
	if fd.IsMap() {
		g.usesJSON = true
		return jsonScalar
	}
	t := g.kindType(fd, input)
	if fd.IsList() {
		return "[" + t + "!]"
	}
	return t
}

func (g *generator) kindType(fd protoreflect.FieldDescriptor, input bool) string {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return "Boolean"
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		return "Int"
	case protoreflect.FloatKind, protoreflect.DoubleKind:
		return "Float"
	case protoreflect.EnumKind:
		return g.enumType(fd.Enum())
	case protoreflect.MessageKind, protoreflect.GroupKind:
		if input {
			return g.inputType(fd.Message())
		}
		return g.outputType(fd.Message())
	}
	// Strings, bytes and 64 bit integers, which protojson renders as
	// strings.
	return "String"
}

func (g *generator) enumType(ed protoreflect.EnumDescriptor) string {
	name := typeName(ed)
	if _, ok := g.defs[name]; ok {
		return name
	}
	var b strings.Builder
	fmt.Fprintf(&b, "enum %s {\n", name)
	values := ed.Values()
	for i := 0; i < values.Len(); i++ {
		b.WriteString("  " + string(values.Get(i).Name()) + "\n")
	}
	b.WriteString("}\n")
	g.defs[name] = b.String()
	return name
}
