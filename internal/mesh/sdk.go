package mesh

import (
	"context"

	delegate "github.com/hanpama/gqlmesh/internal/delegate"
	meshctx "github.com/hanpama/gqlmesh/internal/meshctx"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	transform "github.com/hanpama/gqlmesh/internal/transform"
	"github.com/vektah/gqlparser/v2/ast"
)

// buildSDK creates one APIContext per source with a method for every root
// field of its subschema.
func buildSDK(raws []*RawSource, sourceMap map[*RawSource]*Subschema) map[string]*meshctx.APIContext {
	apis := make(map[string]*meshctx.APIContext, len(raws))
	for _, raw := range raws {
		sub := sourceMap[raw]
		if sub == nil {
			continue
		}
		api := &meshctx.APIContext{Source: raw.Name}
		for _, op := range []string{"query", "mutation", "subscription"} {
			root := sub.Schema.RootType(op)
			if root == nil {
				continue
			}
			methods := make(map[string]meshctx.SDKMethod, len(root.Fields))
			for _, f := range root.Fields {
				methods[f.Name] = sdkMethod(sub, op, f)
			}
			switch op {
			case "query":
				api.Query = methods
			case "mutation":
				api.Mutation = methods
			case "subscription":
				api.Subscription = methods
			}
		}
		apis[raw.Name] = api
	}
	return apis
}

// sdkMethod delegates one root field. Key with ArgsFromKeys batches; a
// subscription field returns a <-chan any.
func sdkMethod(sub *Subschema, op string, field *schema.Field) meshctx.SDKMethod {
	return func(ctx context.Context, p meshctx.SDKParams) (any, error) {
		var node *ast.Field
		if p.Info != nil && len(p.Info.FieldNodes) > 0 {
			node = p.Info.FieldNodes[0]
		}
		selection, err := delegate.NormalizeSelectionSet(p.SelectionSet, node)
		if err != nil {
			return nil, err
		}
		var ts []transform.Transform
		if selection != nil {
			ts = append(ts, &delegate.AddSelectionSet{Path: []string{field.Name}, SelectionSet: selection})
		}
		c := p.Context
		if c == nil {
			c = meshctx.FromContext(ctx)
		}
		opts := delegate.Options{
			Subschema:  sub,
			Operation:  op,
			FieldName:  field.Name,
			Args:       p.Args,
			ReturnType: field.Type,
			Context:    c,
			Info:       p.Info,
			RootValue:  p.Root,
			Transforms: ts,
		}
		switch {
		case op == "subscription":
			return delegate.SubscribeToSchema(ctx, opts)
		case p.Key != nil && p.ArgsFromKeys != nil:
			return delegate.BatchDelegateToSchema(ctx, delegate.BatchOptions{
				Options:           opts,
				Key:               p.Key,
				ArgsFromKeys:      p.ArgsFromKeys,
				ValuesFromResults: p.ValuesFromResults,
			})
		}
		return delegate.DelegateToSchema(ctx, opts)
	}
}
