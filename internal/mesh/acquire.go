package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	delegate "github.com/hanpama/gqlmesh/internal/delegate"
	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	logging "github.com/hanpama/gqlmesh/internal/logging"
	transform "github.com/hanpama/gqlmesh/internal/transform"
	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SourceError reports the failure of one source handler.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string { return fmt.Sprintf("source %s: %v", e.Source, e.Err) }

func (e *SourceError) Unwrap() error { return e.Err }

var errNoSource = errors.New("handler returned no source")

// acquire runs every handler and waits for all of them before deciding.
// Failures never cancel sibling handlers.
func acquire(ctx context.Context, configs []SourceConfig, bus *eventbus.Bus, logger *zap.Logger, limit int) ([]*RawSource, error) {
	raws := make([]*RawSource, len(configs))
	errs := make([]error, len(configs))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, cfg := range configs {
		g.Go(func() error {
			log := logging.Source(logger, cfg.Name)
			log.Debug("acquiring source")
			start := time.Now()
			raw, err := acquireOne(ctx, cfg)
			elapsed := time.Since(start)
			eventbus.Publish(ctx, bus, events.SourceAcquired{Source: cfg.Name, Err: err, Duration: elapsed})
			if err != nil {
				log.Error("failed to acquire source", zap.Error(err), zap.Duration("duration", elapsed))
				errs[i] = err
				return nil
			}
			log.Debug("source acquired", zap.Duration("duration", elapsed))
			raws[i] = raw
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for i, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, &SourceError{Source: configs[i].Name, Err: err})
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return raws, nil
}

func acquireOne(ctx context.Context, cfg SourceConfig) (*RawSource, error) {
	if cfg.Handler == nil {
		return nil, errors.New("no handler")
	}
	ms, err := cfg.Handler.GetMeshSource(ctx)
	if err != nil {
		return nil, err
	}
	if ms == nil || ms.Schema == nil {
		return nil, errNoSource
	}
	wrap, noWrap := transform.Split(cfg.Transforms)
	s, exec := ms.Schema, ms.Executor
	if len(noWrap) > 0 {
		if s, err = transform.ApplySchema(s.Clone(), noWrap); err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
		if exec != nil {
			// the upstream still speaks the acquired schema
			exec = delegate.Translate(exec, noWrap)
		}
	}
	return &RawSource{
		Name:             cfg.Name,
		Schema:           s,
		Handler:          cfg.Handler,
		Executor:         exec,
		Transforms:       wrap,
		ContextVariables: ms.ContextVariables,
		Batch:            ms.Batch,
		Merge:            cfg.Merge,
	}, nil
}
