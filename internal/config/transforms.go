package config

import (
	"strings"

	transform "github.com/hanpama/gqlmesh/internal/transform"
)

var rootOperations = map[string]string{"Query": "query", "Mutation": "mutation", "Subscription": "subscription"}

// BuildTransforms turns configured transforms into their implementations in
// order. A rename with both types and root fields yields two transforms.
func BuildTransforms(ts []Transform) []transform.Transform {
	var out []transform.Transform
	for _, t := range ts {
		switch {
		case t.Prefix != nil:
			out = append(out, &transform.Prefix{
				Value:                 t.Prefix.Value,
				IncludeRootOperations: t.Prefix.IncludeRootOperations,
				IgnoreTypes:           t.Prefix.IgnoreTypes,
				Mode:                  transform.Mode(t.Prefix.Mode),
			})
		case t.Rename != nil:
			out = append(out, renames(t.Rename)...)
		case t.FilterRootFields != nil:
			out = append(out, &transform.FilterRootFields{
				Include: t.FilterRootFields.Include,
				Exclude: t.FilterRootFields.Exclude,
			})
		}
	}
	return out
}

func renames(r *Rename) []transform.Transform {
	var out []transform.Transform
	mode := transform.Mode(r.Mode)
	if len(r.Types) > 0 {
		types := r.Types
		out = append(out, &transform.RenameTypes{
			Mode:   mode,
			Rename: func(name string) string { return types[name] },
		})
	}
	if len(r.RootFields) > 0 {
		fields := make(map[string]map[string]string)
		for from, to := range r.RootFields {
			root, field, _ := strings.Cut(from, ".")
			op, ok := rootOperations[root]
			if !ok {
				op = strings.ToLower(root)
			}
			if fields[op] == nil {
				fields[op] = make(map[string]string)
			}
			fields[op][field] = to
		}
		out = append(out, &transform.RenameRootFields{
			Mode:   mode,
			Rename: func(operation, field string) string { return fields[operation][field] },
		})
	}
	return out
}
