package livequery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	events "github.com/hanpama/gqlmesh/internal/events"
	"github.com/goccy/go-json"
)

// collector gathers the resource identifiers one execution reads.
type collector struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newCollector() *collector { return &collector{ids: make(map[string]struct{})} }

type collectorKey struct{}

func withCollector(ctx context.Context, c *collector) context.Context {
	return context.WithValue(ctx, collectorKey{}, c)
}

func collectorFrom(ctx context.Context) *collector {
	c, _ := ctx.Value(collectorKey{}).(*collector)
	return c
}

func (c *collector) record(data *events.ResolverData, result any) {
	ids := Identifiers(data, result)
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	for _, id := range ids {
		c.ids[id] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *collector) identifiers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Identifiers returns the resource identifiers a resolution reads. A root
// field yields "Type.field" and, with arguments, "Type.field(a:1,b:"x")".
// A non-null id field yields "Type:id".
func Identifiers(data *events.ResolverData, result any) []string {
	if data == nil || data.Info == nil || data.Info.ParentType == nil {
		return nil
	}
	info := data.Info
	parent := info.ParentType.Name
	if info.Schema != nil && info.Schema.IsRootType(parent) {
		coord := parent + "." + info.FieldName
		ids := []string{coord}
		if len(data.Args) > 0 {
			ids = append(ids, coord+"("+formatArgs(data.Args)+")")
		}
		return ids
	}
	if info.FieldName == "id" && result != nil {
		return []string{parent + ":" + fmt.Sprint(result)}
	}
	return nil
}

func formatArgs(args map[string]any) string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		raw, err := json.Marshal(args[name])
		if err != nil {
			raw = []byte(fmt.Sprint(args[name]))
		}
		parts[i] = name + ":" + string(raw)
	}
	return strings.Join(parts, ",")
}
