// Package mesh builds a Mesh from source handlers and executes operations
// against the merged schema.
package mesh

import (
	"context"
	"sync"

	cache "github.com/hanpama/gqlmesh/internal/cache"
	delegate "github.com/hanpama/gqlmesh/internal/delegate"
	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	executor "github.com/hanpama/gqlmesh/internal/executor"
	interpolate "github.com/hanpama/gqlmesh/internal/interpolate"
	introspection "github.com/hanpama/gqlmesh/internal/introspection"
	livequery "github.com/hanpama/gqlmesh/internal/livequery"
	logging "github.com/hanpama/gqlmesh/internal/logging"
	merger "github.com/hanpama/gqlmesh/internal/merger"
	meshctx "github.com/hanpama/gqlmesh/internal/meshctx"
	schema "github.com/hanpama/gqlmesh/internal/schema"
	source "github.com/hanpama/gqlmesh/internal/source"
	transform "github.com/hanpama/gqlmesh/internal/transform"
	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/zap"
)

type (
	Handler          = source.Handler
	HandlerFunc      = source.HandlerFunc
	MeshSource       = source.MeshSource
	RawSource        = source.RawSource
	MergedTypeConfig = source.MergedTypeConfig
	Subschema        = delegate.Subschema
)

// DefaultCacheBytes bounds the in-memory cache created when Options.Cache
// is nil.
const DefaultCacheBytes = 64 << 20

// SourceConfig is one configured source.
type SourceConfig struct {
	Name       string
	Handler    Handler
	Transforms []transform.Transform
	Merge      map[string]MergedTypeConfig
}

// Options configure GetMesh.
type Options struct {
	Sources []SourceConfig
	// Merger defaults to the stitching merger.
	Merger              merger.Merger
	AdditionalTypeDefs  []string
	AdditionalResolvers schema.ResolverMap
	Transforms          []transform.Transform
	// Cache defaults to an in-memory cache owned and closed by the mesh.
	Cache  cache.KeyValueCache
	PubSub *eventbus.Bus
	Logger *zap.Logger
	// LiveQueryInvalidations map resolver completions to invalidated ids.
	LiveQueryInvalidations []livequery.Rule
	// Env is exposed to resolvers and templates; defaults to the process
	// environment.
	Env map[string]string
	// AcquireConcurrency limits concurrent source handlers; 0 means no limit.
	AcquireConcurrency int
	// ResolverConcurrency limits concurrent async resolvers per depth.
	ResolverConcurrency int
}

// Mesh is a merged schema with everything needed to execute against it.
type Mesh struct {
	schema      *schema.Schema
	astSchema   *ast.Schema
	exec        *executor.Executor
	store       *livequery.Store
	rawSources  []*RawSource
	sourceMap   map[*RawSource]*Subschema
	meshContext *meshctx.MeshContext
	bus         *eventbus.Bus
	cache       cache.KeyValueCache
	logger      *zap.Logger
	env         map[string]string

	mu       sync.Mutex
	builders []meshctx.Builder

	destroyOnce sync.Once
}

// GetMesh acquires every source, merges them and prepares execution. When
// any source fails nothing is built and the error aggregates one
// *SourceError per failed source. Merge errors are returned unchanged.
func GetMesh(ctx context.Context, opts Options) (*Mesh, error) {
	logger := logging.OrNop(opts.Logger).Named("mesh")
	bus := opts.PubSub
	if bus == nil {
		bus = eventbus.New()
	}
	env := opts.Env
	if env == nil {
		env = interpolate.Env()
	}
	factories, err := livequery.NewInvalidationFactoryMap(opts.LiveQueryInvalidations)
	if err != nil {
		return nil, err
	}

	raws, err := acquire(ctx, opts.Sources, bus, logger, opts.AcquireConcurrency)
	if err != nil {
		return nil, err
	}

	mrg := opts.Merger
	if mrg == nil {
		mrg = merger.NewStitching(logger)
	}
	logger.Debug("merging sources", zap.Int("sources", len(raws)))
	unified, err := mrg.UnifiedSchema(ctx, merger.Options{
		RawSources: raws,
		TypeDefs:   opts.AdditionalTypeDefs,
		Resolvers:  opts.AdditionalResolvers,
		Transforms: opts.Transforms,
	})
	if err != nil {
		return nil, err
	}
	merged := unified.Schema
	if _, ok := merged.Directives[livequery.Directive]; !ok {
		merged.AddDirective(schema.NewDirective(livequery.Directive, "Re-executes the query when data it read changes.").AddLocation("QUERY"))
	}
	astSchema, err := schema.ToAST(merged)
	if err != nil {
		return nil, err
	}

	kv := opts.Cache
	var ownedCache *cache.Memory
	if kv == nil {
		if ownedCache, err = cache.NewMemory(DefaultCacheBytes); err != nil {
			return nil, err
		}
		kv = ownedCache
	}

	m := &Mesh{
		schema:     merged,
		astSchema:  astSchema,
		rawSources: raws,
		sourceMap:  unified.SourceMap,
		bus:        bus,
		cache:      kv,
		logger:     logger,
		env:        env,
	}

	logger.Debug("generating in-context SDK")
	m.meshContext = &meshctx.MeshContext{
		APIs:   buildSDK(raws, unified.SourceMap),
		PubSub: bus,
		Cache:  kv,
	}

	logger.Debug("attaching resolver hooks")
	n := applyResolverHooks(merged, bus, m.meshContext, env)
	logger.Debug("resolver hooks attached", zap.Int("fields", n))

	if m.exec, err = introspection.NewExecutor(merged, opts.ResolverConcurrency); err != nil {
		if ownedCache != nil {
			ownedCache.Close()
		}
		return nil, err
	}
	// Nothing fails past this point; the store subscribes to bus.
	m.store = livequery.New(m.executeOne, livequery.Options{Bus: bus, Logger: logger})
	m.meshContext.LiveQueryStore = m.store

	unwire := livequery.Wire(bus, m.store, factories, env, logger)
	eventbus.Subscribe(bus, func(context.Context, events.Destroy) {
		unwire()
		if ownedCache != nil {
			ownedCache.Close()
		}
	})
	return m, nil
}

func (m *Mesh) executeOne(ctx context.Context, req *executor.Request) (*executor.ExecutionResult, error) {
	return m.exec.ExecuteRequest(ctx, req.Document, req.OperationName, req.Variables, req.RootValue), nil
}

// Schema returns the merged schema.
func (m *Mesh) Schema() *schema.Schema { return m.schema }

// RawSources returns the acquired sources in configuration order.
func (m *Mesh) RawSources() []*RawSource { return m.rawSources }

// Subschema returns the subschema built for raw by the merger.
func (m *Mesh) Subschema(raw *RawSource) *Subschema { return m.sourceMap[raw] }

// PubSub returns the event bus of the mesh.
func (m *Mesh) PubSub() *eventbus.Bus { return m.bus }

func (m *Mesh) Cache() cache.KeyValueCache { return m.cache }

func (m *Mesh) LiveQueryStore() *livequery.Store { return m.store }

// MeshContext returns the context shared by every request.
func (m *Mesh) MeshContext() *meshctx.MeshContext { return m.meshContext }

func (m *Mesh) Logger() *zap.Logger { return m.logger }

// Destroy publishes events.Destroy once. Subscribers release their own
// resources; the mesh must not be used afterwards.
func (m *Mesh) Destroy() {
	m.destroyOnce.Do(func() {
		m.logger.Debug("destroying mesh")
		eventbus.Publish(context.Background(), m.bus, events.Destroy{})
	})
}
