package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"

	language "github.com/hanpama/gqlmesh/internal/language"
	schema "github.com/hanpama/gqlmesh/internal/schema"
)

// MockResolver resolves a single task.
type MockResolver func(ctx context.Context, task ResolveTask) (any, error)

const (
	CallKindSync  = "sync"
	CallKindAsync = "async"
)

func valueResolver(val any) MockResolver {
	return func(context.Context, ResolveTask) (any, error) { return val, nil }
}

func errorResolver(err error) MockResolver {
	return func(context.Context, ResolveTask) (any, error) { return nil, err }
}

// Call records one task-level invocation. Async calls of one flush share a
// BatchID.
type Call struct {
	Kind       string
	ObjectType string
	Field      string
	Source     any
	Args       map[string]any
	BatchID    int
}

// MockRuntime implements Runtime over a resolver registry keyed by
// "ObjectType.Field" and records every call.
type MockRuntime struct {
	mu          sync.Mutex
	resolvers   map[string]MockResolver
	subscribers map[string]func(ctx context.Context) (<-chan any, error)
	calls       []Call
	batchSeq    int
	infos       []*schema.ResolveInfo
}

func NewMockRuntime(resolvers map[string]MockResolver) *MockRuntime {
	m := &MockRuntime{
		resolvers:   make(map[string]MockResolver),
		subscribers: make(map[string]func(ctx context.Context) (<-chan any, error)),
	}
	for k, v := range resolvers {
		m.resolvers[k] = v
	}
	return m
}

func (m *MockRuntime) run(ctx context.Context, kind string, batchID int, task ResolveTask) (any, error) {
	m.mu.Lock()
	r := m.resolvers[task.ObjectType+"."+task.Field]
	m.calls = append(m.calls, Call{
		Kind:       kind,
		ObjectType: task.ObjectType,
		Field:      task.Field,
		Source:     task.Source,
		Args:       task.Args,
		BatchID:    batchID,
	})
	m.infos = append(m.infos, task.Info)
	m.mu.Unlock()
	if r == nil {
		return schema.PropertyOf(task.Source, task.Field), nil
	}
	return r(ctx, task)
}

func (m *MockRuntime) ResolveSync(ctx context.Context, task ResolveTask) (any, error) {
	return m.run(ctx, CallKindSync, 0, task)
}

func (m *MockRuntime) BatchResolveAsync(ctx context.Context, tasks []ResolveTask) []AsyncResolveResult {
	m.mu.Lock()
	m.batchSeq++
	batchID := m.batchSeq
	m.mu.Unlock()

	results := make([]AsyncResolveResult, len(tasks))
	for i, task := range tasks {
		v, err := m.run(ctx, CallKindAsync, batchID, task)
		results[i] = AsyncResolveResult{Value: v, Error: err}
	}
	return results
}

func (m *MockRuntime) ResolveType(ctx context.Context, abstractType string, value any, info *schema.ResolveInfo) (string, error) {
	if v, ok := value.(map[string]any); ok {
		if typename, ok := v["__typename"].(string); ok {
			return typename, nil
		}
	}
	return "", fmt.Errorf("cannot resolve type")
}

func (m *MockRuntime) Subscribe(ctx context.Context, task ResolveTask) (<-chan any, error) {
	m.mu.Lock()
	sub := m.subscribers[task.ObjectType+"."+task.Field]
	m.mu.Unlock()
	if sub == nil {
		return nil, fmt.Errorf("no subscriber for %s.%s", task.ObjectType, task.Field)
	}
	return sub(ctx)
}

func (m *MockRuntime) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	return value, nil
}

func (m *MockRuntime) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockRuntime) GetInfos() []*schema.ResolveInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*schema.ResolveInfo(nil), m.infos...)
}

// mustParseQuery parses a GraphQL query and fails the test on error.
func mustParseQuery(t *testing.T, q string) *language.QueryDocument {
	t.Helper()
	d, err := language.ParseQuery(q)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	return d
}

func mustBuildSchema(t *testing.T, sdl string) *schema.Schema {
	t.Helper()
	s, err := schema.BuildFromSDL(sdl)
	if err != nil {
		t.Fatalf("schema error: %v", err)
	}
	return s
}

// markAsync flags the named "Type.field" entries as async.
func markAsync(s *schema.Schema, keys ...string) {
	for _, key := range keys {
		for name, t := range s.Types {
			for _, f := range t.Fields {
				if name+"."+f.Name == key {
					f.Async = true
				}
			}
		}
	}
}
