package introspection

import (
	"sync"

	schema "github.com/hanpama/gqlmesh/internal/schema"
)

var (
	metaOnce  sync.Once
	metaTypes []*schema.Type
	metaErr   error
)

// extendSchemaWithIntrospection returns a copy of the schema carrying the
// meta types and the __schema and __type root fields. Types other than the
// query root are shared with the original.
func extendSchemaWithIntrospection(original *schema.Schema) (*schema.Schema, error) {
	metaOnce.Do(func() { metaTypes, metaErr = schema.IntrospectionTypes() })
	if metaErr != nil {
		return nil, metaErr
	}

	extended := &schema.Schema{
		QueryType:        original.QueryType,
		MutationType:     original.MutationType,
		SubscriptionType: original.SubscriptionType,
		Types:            make(map[string]*schema.Type, len(original.Types)+len(metaTypes)),
		Directives:       original.Directives,
		Description:      original.Description,
	}
	for name, typ := range original.Types {
		extended.Types[name] = typ
	}
	for _, t := range metaTypes {
		extended.Types[t.Name] = t
	}

	if queryType := original.GetQueryType(); queryType != nil {
		queryTypeCopy := *queryType
		queryTypeCopy.Fields = append(append([]*schema.Field(nil), queryType.Fields...),
			schema.NewField("__schema", "Access the current type schema of this server.",
				schema.NonNullType(schema.NamedType("__Schema"))),
			schema.NewField("__type", "Request the type information of a single type.",
				schema.NamedType("__Type")).
				AddArgument(schema.NewInputValue("name", "", schema.NonNullType(schema.NamedType("String")))),
		)
		extended.Types[queryType.Name] = &queryTypeCopy
	}
	return extended, nil
}
