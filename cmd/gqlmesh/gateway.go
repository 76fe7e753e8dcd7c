package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	cache "github.com/hanpama/gqlmesh/internal/cache"
	config "github.com/hanpama/gqlmesh/internal/config"
	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	graphqlhandler "github.com/hanpama/gqlmesh/internal/handler/graphql"
	grpchandler "github.com/hanpama/gqlmesh/internal/handler/grpc"
	interpolate "github.com/hanpama/gqlmesh/internal/interpolate"
	livequery "github.com/hanpama/gqlmesh/internal/livequery"
	mesh "github.com/hanpama/gqlmesh/internal/mesh"
	metrics "github.com/hanpama/gqlmesh/internal/metrics"
	natsbridge "github.com/hanpama/gqlmesh/internal/natsbridge"
	otel "github.com/hanpama/gqlmesh/internal/otel"
	server "github.com/hanpama/gqlmesh/internal/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// gateway owns a mesh and everything wired around it.
type gateway struct {
	cfg      *config.Config
	logger   *zap.Logger
	bus      *eventbus.Bus
	registry *prometheus.Registry
	mesh     *mesh.Mesh
	closers  []func()
}

func newGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *gateway, err error) {
	g := &gateway{cfg: cfg, logger: logger, bus: eventbus.New()}
	defer func() {
		if err != nil {
			g.close()
		}
	}()

	kv, err := g.cache(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Telemetry.Prometheus {
		g.registry = prometheus.NewRegistry()
		g.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m, err := metrics.New(g.registry)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		g.closers = append(g.closers, m.Register(g.bus))
	}

	shutdown, err := otel.Setup(ctx, g.bus, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	g.closers = append(g.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Error("failed to shut down telemetry", zap.Error(err))
		}
	})

	env := interpolate.Env()
	sources := make([]mesh.SourceConfig, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		h, err := g.handler(sc, kv, env)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		sources = append(sources, mesh.SourceConfig{
			Name:       sc.Name,
			Handler:    h,
			Transforms: config.BuildTransforms(sc.Transforms),
		})
	}

	opts := mesh.Options{
		Sources:    sources,
		Transforms: config.BuildTransforms(cfg.Transforms),
		Cache:      kv,
		PubSub:     g.bus,
		Logger:     logger,
		Env:        env,
	}
	if cfg.AdditionalTypeDefs != "" {
		opts.AdditionalTypeDefs = []string{cfg.AdditionalTypeDefs}
	}
	for _, inv := range cfg.LiveQueryInvalidations {
		opts.LiveQueryInvalidations = append(opts.LiveQueryInvalidations, livequery.Rule{
			Field:      inv.Field,
			Invalidate: inv.Invalidate,
		})
	}
	if g.mesh, err = mesh.GetMesh(ctx, opts); err != nil {
		return nil, err
	}

	if cfg.NATS.URL != "" {
		nc, err := natsbridge.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, nc.Close)
		if _, err := natsbridge.Start(g.bus, g.mesh.LiveQueryStore(), natsbridge.NATS{Conn: nc}, natsbridge.Options{
			Subject: cfg.NATS.Subject,
			Logger:  logger,
		}); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *gateway) cache(ctx context.Context) (cache.KeyValueCache, error) {
	switch g.cfg.Cache.Backend {
	case "redis":
		r, err := cache.DialRedis(ctx, g.cfg.Cache.RedisURL, "gqlmesh:")
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, func() { _ = r.Close() })
		return r, nil
	default:
		m, err := cache.NewMemory(g.cfg.Cache.MaxBytes)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, m.Close)
		return m, nil
	}
}

func (g *gateway) handler(sc config.Source, kv cache.KeyValueCache, env map[string]string) (mesh.Handler, error) {
	switch {
	case sc.GraphQL != nil:
		c := sc.GraphQL
		return graphqlhandler.New(sc.Name, graphqlhandler.Options{
			Endpoint:             c.Endpoint,
			OperationHeaders:     c.OperationHeaders,
			SchemaHeaders:        c.SchemaHeaders,
			Introspection:        c.Introspection,
			Batch:                c.Batch,
			StripLeadingTypename: c.StripLeadingTypename,
			ContextVariables:     c.ContextVariables,
			Timeout:              c.Timeout,
			CacheTTL:             g.cfg.Cache.TTL,
		}, graphqlhandler.Deps{Cache: kv, Logger: g.logger, Env: env})
	case sc.GRPC != nil:
		c := sc.GRPC
		return grpchandler.New(sc.Name, grpchandler.Options{
			Endpoint:            c.Endpoint,
			ProtoFiles:          c.ProtoFiles,
			ImportPaths:         c.ImportPaths,
			Metadata:            c.Metadata,
			RPCTimeout:          c.RPCTimeout,
			MaxConnsPerEndpoint: c.MaxConnsPerEndpoint,
			QueryPrefixes:       c.QueryPrefixes,
		}, grpchandler.Deps{Bus: g.bus, Logger: g.logger, Env: env})
	default:
		return nil, fmt.Errorf("no handler configured")
	}
}

// routes returns the HTTP routes of the gateway.
func (g *gateway) routes() http.Handler {
	sc := g.cfg.Serve
	sopts := []server.Option{
		server.WithBus(g.bus),
		server.WithLogger(g.logger),
		server.WithGraphiQL(sc.GraphiQL != nil && *sc.GraphiQL),
	}
	if sc.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if sc.Timeout > 0 {
		sopts = append(sopts, server.WithTimeout(sc.Timeout))
	}
	if sc.MaxBodyBytes > 0 {
		sopts = append(sopts, server.WithMaxBodyBytes(sc.MaxBodyBytes))
	}
	if len(sc.CORSOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(sc.CORSOrigins...))
	}
	if len(sc.ContextHeaders) > 0 {
		sopts = append(sopts, server.WithContextHeaders(sc.ContextHeaders...))
	}

	mux := http.NewServeMux()
	mux.Handle(sc.Path, server.New(g.mesh, sopts...))
	if g.registry != nil {
		mux.Handle(g.cfg.Telemetry.MetricsPath, promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			ErrorLog:          zap.NewStdLog(g.logger),
			Registry:          g.registry,
			Timeout:           10 * time.Second,
		}))
	}
	return mux
}

// close destroys the mesh, then releases resources in reverse order. Without
// a mesh, handlers still get events.Destroy.
func (g *gateway) close() {
	if g.mesh != nil {
		g.mesh.Destroy()
	} else {
		eventbus.Publish(context.Background(), g.bus, events.Destroy{})
	}
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
	g.closers = nil
}
