package transform

import (
	"strings"

	schema "github.com/hanpama/gqlmesh/internal/schema"
)

// FilterRootFields removes root fields. Entries are "Query.field",
// "Mutation.field" or "Subscription.field", with the conventional root names
// standing for whatever the schema calls its roots. When Include is set only
// listed fields survive; Exclude is applied afterwards. Types no longer
// reachable are pruned.
type FilterRootFields struct {
	Include []string
	Exclude []string
}

// NoWrap reports true: dropping fields needs no request translation.
func (f *FilterRootFields) NoWrap() bool { return true }

func (f *FilterRootFields) TransformSchema(s *schema.Schema) (*schema.Schema, error) {
	out := s.Clone()
	include := coordinates(f.Include)
	exclude := coordinates(f.Exclude)
	for op, conventional := range map[string]string{"query": "Query", "mutation": "Mutation", "subscription": "Subscription"} {
		root := out.RootType(op)
		if root == nil {
			continue
		}
		for _, field := range append([]*schema.Field(nil), root.Fields...) {
			key := conventional + "." + field.Name
			if len(include) > 0 && !include[key] {
				root.RemoveField(field.Name)
				continue
			}
			if exclude[key] {
				root.RemoveField(field.Name)
			}
		}
		if len(root.Fields) == 0 && op != "query" {
			delete(out.Types, root.Name)
			switch op {
			case "mutation":
				out.MutationType = ""
			case "subscription":
				out.SubscriptionType = ""
			}
		}
	}
	out.RemoveUnreachableTypes()
	return out, nil
}

func coordinates(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, c := range list {
		out[strings.TrimSpace(c)] = true
	}
	return out
}
