package livequery

import (
	"context"
	"fmt"

	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	interpolate "github.com/hanpama/gqlmesh/internal/interpolate"
	"go.uber.org/zap"
)

// InvalidationFactoryMap maps "Type.field" to the templates producing the
// identifiers a completed resolution of that field invalidates.
type InvalidationFactoryMap map[string][]interpolate.Template

// Rule is one configured invalidation.
type Rule struct {
	Field      string
	Invalidate []string
}

// NewInvalidationFactoryMap parses rules. Templates of the same field keep
// their configured order.
func NewInvalidationFactoryMap(rules []Rule) (InvalidationFactoryMap, error) {
	m := make(InvalidationFactoryMap, len(rules))
	for _, r := range rules {
		for _, raw := range r.Invalidate {
			t, err := interpolate.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("invalidation %s: %w", r.Field, err)
			}
			m[r.Field] = append(m[r.Field], t)
		}
	}
	return m, nil
}

// Paths evaluates the templates registered for the completed resolution.
func (m InvalidationFactoryMap) Paths(e events.ResolverDone, env map[string]string) []string {
	templates := m[e.Data.Coordinate()]
	if len(templates) == 0 {
		return nil
	}
	data := templateData(e, env)
	out := make([]string, 0, len(templates))
	for _, t := range templates {
		if p := t.Execute(data); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func templateData(e events.ResolverDone, env map[string]string) map[string]any {
	d := e.Data
	data := map[string]any{
		"root":   d.Root,
		"args":   d.Args,
		"result": e.Result,
		"env":    env,
	}
	if d.Context != nil {
		data["context"] = d.Context.Map()
	}
	if d.Info != nil {
		info := map[string]any{
			"fieldName":  d.Info.FieldName,
			"parentType": d.Info.ParentType.Name,
			"path":       d.Info.PathString(),
		}
		if d.Info.ReturnType != nil {
			info["returnType"] = d.Info.ReturnType.String()
		}
		data["info"] = info
	}
	return data
}

// Wire invalidates, on every resolver completion on bus, the paths m
// produces for it. It returns a function removing the subscription.
func Wire(bus *eventbus.Bus, store *Store, m InvalidationFactoryMap, env map[string]string, logger *zap.Logger) func() {
	if len(m) == 0 {
		return func() {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return eventbus.Subscribe(bus, func(ctx context.Context, e events.ResolverDone) {
		paths := m.Paths(e, env)
		if len(paths) == 0 {
			return
		}
		logger.Debug("resolver invalidates live queries", zap.String("field", e.Data.Coordinate()), zap.Strings("ids", paths))
		store.Invalidate(ctx, paths...)
	})
}
