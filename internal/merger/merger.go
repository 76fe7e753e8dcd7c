// Package merger combines the schemas of acquired sources into the single
// schema the mesh executes.
package merger

import (
	"context"
	"fmt"
	"strings"

	delegate "github.com/hanpama/gqlmesh/internal/delegate"
	language "github.com/hanpama/gqlmesh/internal/language"
	meshctx "github.com/hanpama/gqlmesh/internal/meshctx"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	source "github.com/hanpama/gqlmesh/internal/source"
	transform "github.com/hanpama/gqlmesh/internal/transform"
	"go.uber.org/zap"
)

// Options is the input of a merge.
type Options struct {
	RawSources []*source.RawSource
	// TypeDefs are SDL documents applied after the sources, extend type
	// included.
	TypeDefs []string
	// Resolvers are installed after TypeDefs and replace source resolvers.
	Resolvers schema.ResolverMap
	// Transforms run over the merged schema last.
	Transforms []transform.Transform
}

// Result is the merged schema and the subschema built for each source.
type Result struct {
	Schema    *schema.Schema
	SourceMap map[*source.RawSource]*delegate.Subschema
}

// Merger builds a merged schema from raw sources.
type Merger interface {
	UnifiedSchema(ctx context.Context, opts Options) (*Result, error)
}

// Stitching merges sources by unioning their types. Root fields delegate to
// the source that defines them; fields of types listed in a source's Merge
// configuration are fetched from that source by key.
type Stitching struct {
	logger *zap.Logger
}

func NewStitching(logger *zap.Logger) *Stitching {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stitching{logger: logger.Named("merger")}
}

var rootNames = map[string]string{
	"query":        "Query",
	"mutation":     "Mutation",
	"subscription": "Subscription",
}

var operations = []string{"query", "mutation", "subscription"}

func (m *Stitching) UnifiedSchema(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{SourceMap: make(map[*source.RawSource]*delegate.Subschema, len(opts.RawSources))}
	subs := make([]*delegate.Subschema, 0, len(opts.RawSources))
	for _, raw := range opts.RawSources {
		sub, err := buildSubschema(raw)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", raw.Name, err)
		}
		res.SourceMap[raw] = sub
		subs = append(subs, sub)
	}
	if err := addKeySelections(opts.RawSources, subs); err != nil {
		return nil, err
	}

	b := &builder{
		logger: m.logger,
		merged: schema.NewSchema(""),
		owner:  make(map[string]map[string]int),
	}
	for i, sub := range subs {
		if err := b.add(i, sub); err != nil {
			return nil, fmt.Errorf("source %s: %w", sub.Name, err)
		}
	}
	for i, raw := range opts.RawSources {
		if err := b.mergeTypes(i, raw, subs[i]); err != nil {
			return nil, fmt.Errorf("source %s: %w", raw.Name, err)
		}
	}
	merged := b.merged

	if len(opts.TypeDefs) > 0 {
		extended, err := extend(merged, opts.TypeDefs)
		if err != nil {
			return nil, fmt.Errorf("additional type definitions: %w", err)
		}
		merged = extended
	}
	if len(opts.Resolvers) > 0 {
		if err := schema.AddResolvers(merged, opts.Resolvers); err != nil {
			return nil, fmt.Errorf("additional resolvers: %w", err)
		}
	}
	merged, err := transform.ApplySchema(merged, opts.Transforms)
	if err != nil {
		return nil, err
	}
	res.Schema = merged
	return res, nil
}

func buildSubschema(raw *source.RawSource) (*delegate.Subschema, error) {
	if raw.Schema == nil {
		return nil, fmt.Errorf("no schema")
	}
	exec := raw.Executor
	if exec == nil {
		local, err := delegate.LocalExecutor(raw.Schema)
		if err != nil {
			return nil, err
		}
		exec = local
	}
	wrapped, err := transform.ApplySchema(raw.Schema.Clone(), raw.Transforms)
	if err != nil {
		return nil, err
	}
	return &delegate.Subschema{
		Name:       raw.Name,
		Schema:     wrapped,
		Original:   raw.Schema,
		Executor:   exec,
		Transforms: raw.Transforms,
		Batch:      raw.Batch,
	}, nil
}

// addKeySelections makes every subschema fetch the keys other sources need
// to resolve the types they merge.
func addKeySelections(raws []*source.RawSource, subs []*delegate.Subschema) error {
	for _, raw := range raws {
		for typeName, cfg := range raw.Merge {
			if cfg.SelectionSet == "" {
				continue
			}
			keys, err := language.ParseSelectionSet(cfg.SelectionSet)
			if err != nil {
				return fmt.Errorf("source %s: merge %s: %w", raw.Name, typeName, err)
			}
			for _, sub := range subs {
				if sub.Schema.Types[typeName] == nil {
					continue
				}
				if sub.KeySelections == nil {
					sub.KeySelections = make(map[string]language.SelectionSet)
				}
				sub.KeySelections[typeName] = language.MergeSelectionSets(sub.KeySelections[typeName], language.CopySelectionSet(keys))
			}
		}
	}
	return nil
}

type builder struct {
	logger *zap.Logger
	merged *schema.Schema
	// owner maps type -> field -> index of the source that last defined it.
	owner map[string]map[string]int
}

func (b *builder) add(index int, sub *delegate.Subschema) error {
	s := sub.Schema
	for _, op := range operations {
		root := s.RootType(op)
		if root == nil {
			continue
		}
		b.addRoot(op, root, sub)
	}
	for name, t := range s.Types {
		if s.IsRootType(name) || strings.HasPrefix(name, "__") {
			continue
		}
		if err := b.addType(index, t, sub.Name); err != nil {
			return err
		}
	}
	for name, d := range s.Directives {
		if _, ok := b.merged.Directives[name]; !ok {
			b.merged.AddDirective(d.Clone())
		}
	}
	return nil
}

func (b *builder) addRoot(op string, root *schema.Type, sub *delegate.Subschema) {
	name := rootNames[op]
	target := b.merged.Types[name]
	if target == nil {
		target = schema.NewType(name, schema.TypeKindObject, root.Description)
		b.merged.AddType(target)
		switch op {
		case "query":
			b.merged.SetQueryType(name)
		case "mutation":
			b.merged.SetMutationType(name)
		case "subscription":
			b.merged.SetSubscriptionType(name)
		}
	}
	for _, f := range root.Fields {
		if target.RemoveField(f.Name) {
			b.logger.Debug("root field overridden", zap.String("field", name+"."+f.Name), zap.String("source", sub.Name))
		}
		field := f.Clone()
		field.ClearResolver()
		if op == "subscription" {
			field.Subscribe = subscribeResolver(sub, f.Name)
		} else {
			field.Resolve = rootResolver(sub, op, f.Name)
			field.Async = true
		}
		target.AddField(field)
	}
}

func (b *builder) addType(index int, t *schema.Type, sourceName string) error {
	existing := b.merged.Types[t.Name]
	if existing == nil {
		cp := t.Clone()
		cp.ResolveType = nil
		for _, f := range cp.Fields {
			f.ClearResolver()
		}
		b.merged.AddType(cp)
		b.own(index, cp)
		return nil
	}
	if schema.IsBuiltinType(t.Name) {
		return nil
	}
	if existing.Kind != t.Kind {
		return fmt.Errorf("type %s is %s here but %s in an earlier source", t.Name, t.Kind, existing.Kind)
	}
	for _, f := range t.Fields {
		if existing.RemoveField(f.Name) {
			b.logger.Debug("field overridden", zap.String("field", t.Name+"."+f.Name), zap.String("source", sourceName))
		}
		cp := f.Clone()
		cp.ClearResolver()
		existing.AddField(cp)
	}
	b.own(index, t)
	for _, i := range t.Interfaces {
		existing.AddInterface(i)
	}
	for _, p := range t.PossibleTypes {
		existing.AddPossibleType(p)
	}
	for _, v := range t.EnumValues {
		if !hasEnumValue(existing, v.Name) {
			ev := *v
			existing.EnumValues = append(existing.EnumValues, &ev)
		}
	}
	for _, v := range t.InputFields {
		if !hasInputField(existing, v.Name) {
			existing.InputFields = append(existing.InputFields, v.Clone())
		}
	}
	return nil
}

func (b *builder) own(index int, t *schema.Type) {
	fields := b.owner[t.Name]
	if fields == nil {
		fields = make(map[string]int)
		b.owner[t.Name] = fields
	}
	for _, f := range t.Fields {
		fields[f.Name] = index
	}
}

// mergeTypes installs key based resolvers on the fields raw owns for each
// type in its Merge configuration.
func (b *builder) mergeTypes(index int, raw *source.RawSource, sub *delegate.Subschema) error {
	for typeName, cfg := range raw.Merge {
		t := b.merged.Types[typeName]
		if t == nil || t.Kind != schema.TypeKindObject {
			return fmt.Errorf("merge %s: no such object type", typeName)
		}
		query := sub.Schema.GetQueryType()
		if query == nil || query.FieldByName(cfg.FieldName) == nil {
			return fmt.Errorf("merge %s: query field %q does not exist", typeName, cfg.FieldName)
		}
		if cfg.Args == nil && (cfg.Key == nil || cfg.ArgsFromKeys == nil) {
			return fmt.Errorf("merge %s: Args or Key with ArgsFromKeys is required", typeName)
		}
		for _, f := range t.Fields {
			if b.owner[typeName][f.Name] != index {
				continue
			}
			f.Resolve = mergedFieldResolver(sub, cfg)
			f.Async = true
		}
	}
	return nil
}

func rootResolver(sub *delegate.Subschema, op, fieldName string) schema.ResolverFunc {
	return func(ctx context.Context, p schema.ResolveParams) (any, error) {
		return delegate.DelegateToSchema(ctx, delegate.Options{
			Subschema:  sub,
			Operation:  op,
			FieldName:  fieldName,
			Args:       p.Args,
			ReturnType: p.Info.ReturnType,
			Context:    meshctx.FromContext(ctx),
			Info:       p.Info,
			RootValue:  p.Source,
		})
	}
}

// subscribeResolver wraps each delegated event so the default resolver
// finds it under the field's response key.
func subscribeResolver(sub *delegate.Subschema, fieldName string) schema.SubscriberFunc {
	return func(ctx context.Context, p schema.ResolveParams) (<-chan any, error) {
		events, err := delegate.SubscribeToSchema(ctx, delegate.Options{
			Subschema:  sub,
			Operation:  "subscription",
			FieldName:  fieldName,
			Args:       p.Args,
			ReturnType: p.Info.ReturnType,
			Context:    meshctx.FromContext(ctx),
			Info:       p.Info,
			RootValue:  p.Source,
		})
		if err != nil {
			return nil, err
		}
		key := p.Info.ResponseKey()
		out := make(chan any)
		go func() {
			defer close(out)
			for ev := range events {
				if _, isErr := ev.(error); !isErr {
					ev = schema.ResponseMap{key: ev}
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}
}

// mergedFieldResolver returns the value already present on the parent
// object, or fetches the parent from sub by key.
func mergedFieldResolver(sub *delegate.Subschema, cfg source.MergedTypeConfig) schema.ResolverFunc {
	return func(ctx context.Context, p schema.ResolveParams) (any, error) {
		rm, ok := p.Source.(schema.ResponseMap)
		if !ok {
			return schema.DefaultResolver(ctx, p)
		}
		if v, found := schema.ResponseValue(rm, p.Info); found {
			return v, nil
		}
		selection := make(language.SelectionSet, 0, len(p.Info.FieldNodes))
		for _, n := range p.Info.FieldNodes {
			selection = append(selection, n)
		}
		opts := delegate.Options{
			Subschema:    sub,
			Operation:    "query",
			FieldName:    cfg.FieldName,
			Context:      meshctx.FromContext(ctx),
			Info:         p.Info,
			SelectionSet: selection,
		}
		var parent any
		var err error
		if cfg.Key != nil && cfg.ArgsFromKeys != nil {
			parent, err = delegate.BatchDelegateToSchema(ctx, delegate.BatchOptions{
				Options:      opts,
				Key:          cfg.Key(rm),
				ArgsFromKeys: cfg.ArgsFromKeys,
			})
		} else {
			opts.Args = cfg.Args(rm)
			parent, err = delegate.DelegateToSchema(ctx, opts)
		}
		if err != nil {
			return nil, err
		}
		prm, ok := parent.(schema.ResponseMap)
		if !ok {
			return nil, nil
		}
		v, _ := schema.ResponseValue(prm, p.Info)
		return v, nil
	}
}

// extend applies SDL documents to s and carries the resolvers of s over to
// the rebuilt schema. Fields declared by an extension replace the merged
// field of the same name, dropping its resolver.
func extend(s *schema.Schema, typeDefs []string) (*schema.Schema, error) {
	base, err := withoutRedefinedFields(s, typeDefs)
	if err != nil {
		return nil, err
	}
	out, err := schema.BuildFromSDL(append([]string{schema.Render(base)}, typeDefs...)...)
	if err != nil {
		return nil, err
	}
	for name, t := range out.Types {
		old := base.Types[name]
		if old == nil || schema.IsBuiltinType(name) {
			continue
		}
		t.ResolveType = old.ResolveType
		t.Serialize = old.Serialize
		for _, f := range t.Fields {
			of := old.FieldByName(f.Name)
			if of == nil {
				continue
			}
			f.Resolve = of.Resolve
			f.Subscribe = of.Subscribe
			f.Async = of.Async
		}
	}
	return out, nil
}

// withoutRedefinedFields returns a shallow copy of s lacking the fields and
// input fields that extensions in typeDefs declare again. Extensions of
// types defined nowhere are rejected.
func withoutRedefinedFields(s *schema.Schema, typeDefs []string) (*schema.Schema, error) {
	defined := map[string]bool{}
	var extensions language.DefinitionList
	for i, src := range typeDefs {
		doc, err := language.ParseSchema(fmt.Sprintf("typeDefs[%d]", i), src)
		if err != nil {
			return nil, err
		}
		for _, d := range doc.Definitions {
			defined[d.Name] = true
		}
		extensions = append(extensions, doc.Extensions...)
	}

	out := *s
	out.Types = make(map[string]*schema.Type, len(s.Types))
	for name, t := range s.Types {
		out.Types[name] = t
	}
	for _, ext := range extensions {
		t := out.Types[ext.Name]
		if t == nil {
			if !defined[ext.Name] && !schema.IsBuiltinType(ext.Name) {
				return nil, fmt.Errorf("cannot extend unknown type %s", ext.Name)
			}
			continue
		}
		redefined := map[string]bool{}
		for _, f := range ext.Fields {
			redefined[f.Name] = true
		}
		if len(redefined) == 0 {
			continue
		}
		cp := *t
		cp.Fields = nil
		for _, f := range t.Fields {
			if !redefined[f.Name] {
				cp.Fields = append(cp.Fields, f)
			}
		}
		cp.InputFields = nil
		for _, v := range t.InputFields {
			if !redefined[v.Name] {
				cp.InputFields = append(cp.InputFields, v)
			}
		}
		if (len(t.Fields) > 0 && len(cp.Fields) == 0) || (len(t.InputFields) > 0 && len(cp.InputFields) == 0) {
			// the extension alone defines the type now
			delete(out.Types, ext.Name)
			continue
		}
		out.Types[ext.Name] = &cp
	}
	return &out, nil
}

func hasEnumValue(t *schema.Type, name string) bool {
	for _, v := range t.EnumValues {
		if v.Name == name {
			return true
		}
	}
	return false
}

func hasInputField(t *schema.Type, name string) bool {
	for _, v := range t.InputFields {
		if v.Name == name {
			return true
		}
	}
	return false
}
