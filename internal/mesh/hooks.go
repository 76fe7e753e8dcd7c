package mesh

import (
	"context"
	"time"

	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	meshctx "github.com/hanpama/gqlmesh/internal/meshctx"
	schema "github.com/hanpama/gqlmesh/internal/schema"
)

const hookTag = "mesh.hooks"

// applyResolverHooks wraps the resolver slot of every field so each call
// publishes ResolverCalled and then ResolverDone or ResolverError. Fields
// already wrapped are skipped. It returns the number of fields wrapped.
func applyResolverHooks(s *schema.Schema, bus *eventbus.Bus, mc *meshctx.MeshContext, env map[string]string) int {
	n := 0
	schema.VisitFields(s, func(_ *schema.Type, f *schema.Field) {
		subscribe := f.Subscribe
		wrapped := f.WrapResolver(hookTag, func(next schema.ResolverFunc) schema.ResolverFunc {
			return hookResolver(next, bus, mc, env)
		})
		if !wrapped {
			return
		}
		if subscribe != nil {
			f.Subscribe = hookSubscriber(subscribe, bus, mc, env)
		}
		n++
	})
	return n
}

func prepare(ctx context.Context, p *schema.ResolveParams, mc *meshctx.MeshContext, env map[string]string) (context.Context, *events.ResolverData) {
	reqCtx := meshctx.FromContext(ctx)
	if layered := reqCtx.WithMesh(mc); layered != reqCtx {
		reqCtx = layered
		ctx = meshctx.NewContext(ctx, reqCtx)
	}
	if p.Args == nil {
		p.Args = map[string]any{}
	}
	return ctx, &events.ResolverData{Root: p.Source, Args: p.Args, Context: reqCtx, Info: p.Info, Env: env}
}

func hookResolver(next schema.ResolverFunc, bus *eventbus.Bus, mc *meshctx.MeshContext, env map[string]string) schema.ResolverFunc {
	return func(ctx context.Context, p schema.ResolveParams) (any, error) {
		ctx, data := prepare(ctx, &p, mc, env)
		eventbus.Publish(ctx, bus, events.ResolverCalled{Data: data})
		start := time.Now()
		v, err := next(ctx, p)
		if err != nil {
			eventbus.Publish(ctx, bus, events.ResolverError{Data: data, Err: err, Duration: time.Since(start)})
			return v, err
		}
		eventbus.Publish(ctx, bus, events.ResolverDone{Data: data, Result: v, Duration: time.Since(start)})
		return v, nil
	}
}

// hookSubscriber reports only a failure to open the stream. Each event is
// resolved through the field's resolver, whose hook publishes ResolverCalled
// and ResolverDone with the event's value.
func hookSubscriber(next schema.SubscriberFunc, bus *eventbus.Bus, mc *meshctx.MeshContext, env map[string]string) schema.SubscriberFunc {
	return func(ctx context.Context, p schema.ResolveParams) (<-chan any, error) {
		ctx, data := prepare(ctx, &p, mc, env)
		start := time.Now()
		ch, err := next(ctx, p)
		if err != nil {
			eventbus.Publish(ctx, bus, events.ResolverError{Data: data, Err: err, Duration: time.Since(start)})
		}
		return ch, err
	}
}
