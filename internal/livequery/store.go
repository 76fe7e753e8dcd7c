// Package livequery re-executes operations marked @live when data they read
// is invalidated.
package livequery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	executor "github.com/hanpama/gqlmesh/internal/executor"
	language "github.com/hanpama/gqlmesh/internal/language"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Directive marks an operation as live.
const Directive = "live"

// DirectiveSDL declares Directive for schemas that accept live queries.
const DirectiveSDL = "directive @live on QUERY"

var (
	ErrOperationNotFound  = errors.New("operation not found")
	ErrAmbiguousOperation = errors.New("operation name is required when the document has several operations")
	ErrClosed             = errors.New("live query store closed")
)

// ExecuteFunc runs one operation to completion.
type ExecuteFunc func(ctx context.Context, req *executor.Request) (*executor.ExecutionResult, error)

// Options configure a Store.
type Options struct {
	// Bus, when set, feeds resolver completions into identifier collection
	// and closes the store on events.Destroy.
	Bus    *eventbus.Bus
	Logger *zap.Logger
}

// Store tracks live operations by the resource identifiers they read.
type Store struct {
	execute ExecuteFunc
	bus     *eventbus.Bus
	logger  *zap.Logger
	unsub   []func()

	mu      sync.Mutex
	closed  bool
	queries map[string]*liveQuery
	index   map[string]map[string]*liveQuery
	wg      sync.WaitGroup
}

type liveQuery struct {
	id      string
	req     *executor.Request
	cancel  context.CancelFunc
	trigger chan struct{}
	ids     []string
	// missed holds ids invalidated while an execution is running, or nil
	// between executions.
	missed map[string]struct{}
}

func New(execute ExecuteFunc, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		execute: execute,
		bus:     opts.Bus,
		logger:  logger.Named("livequery"),
		queries: make(map[string]*liveQuery),
		index:   make(map[string]map[string]*liveQuery),
	}
	if s.bus != nil {
		s.unsub = append(s.unsub,
			eventbus.Subscribe(s.bus, func(ctx context.Context, e events.ResolverDone) {
				if c := collectorFrom(ctx); c != nil {
					c.record(e.Data, e.Result)
				}
			}),
			eventbus.Subscribe(s.bus, func(ctx context.Context, _ events.Destroy) { s.Close() }),
		)
	}
	return s
}

// Operation returns the operation of doc called name. An empty name selects
// the only operation of the document.
func Operation(doc *language.QueryDocument, name string) (*language.OperationDefinition, error) {
	if doc == nil || len(doc.Operations) == 0 {
		return nil, ErrOperationNotFound
	}
	if name == "" {
		if len(doc.Operations) > 1 {
			return nil, ErrAmbiguousOperation
		}
		return doc.Operations[0], nil
	}
	op := doc.Operations.ForName(name)
	if op == nil {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, name)
	}
	return op, nil
}

// IsLive reports whether op carries the live directive.
func IsLive(op *language.OperationDefinition) bool {
	return op != nil && op.Operation == language.Query && op.Directives.ForName(Directive) != nil
}

// Execute runs req. Live operations yield a Stream that emits the first
// result and a new one after every invalidation of an identifier the
// previous execution read; it closes when ctx ends or the store closes.
// Other operations yield a single Result.
func (s *Store) Execute(ctx context.Context, req *executor.Request) (*executor.Response, error) {
	op, err := Operation(req.Document, req.OperationName)
	if err != nil {
		return nil, err
	}
	if !IsLive(op) {
		res, err := s.execute(ctx, req)
		if err != nil {
			return nil, err
		}
		return &executor.Response{Result: res}, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	q := &liveQuery{id: uuid.NewString(), req: req, cancel: cancel, trigger: make(chan struct{}, 1)}
	s.queries[q.id] = q
	s.wg.Add(1)
	s.mu.Unlock()

	out := make(chan *executor.ExecutionResult)
	go s.run(ctx, q, out)
	s.logger.Debug("live query started", zap.String("id", q.id), zap.String("operation", op.Name))
	return &executor.Response{Stream: out}, nil
}

func (s *Store) run(ctx context.Context, q *liveQuery, out chan<- *executor.ExecutionResult) {
	defer s.wg.Done()
	defer close(out)
	defer s.remove(q)
	for {
		s.mu.Lock()
		q.missed = make(map[string]struct{})
		s.mu.Unlock()
		c := newCollector()
		res, err := s.execute(withCollector(ctx, c), q.req)
		if err != nil {
			res = executor.ErrorResult(err.Error())
		}
		s.reindex(q, c.identifiers())
		select {
		case out <- res:
		case <-ctx.Done():
			return
		}
		select {
		case <-q.trigger:
		case <-ctx.Done():
			return
		}
	}
}

// reindex replaces the ids q depends on. An id invalidated during the
// execution that read it triggers another run.
func (s *Store) reindex(q *liveQuery, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unindex(q)
	q.ids = ids
	missed := q.missed
	q.missed = nil
	for _, id := range ids {
		if _, ok := missed[id]; ok {
			select {
			case q.trigger <- struct{}{}:
			default:
			}
		}
		set := s.index[id]
		if set == nil {
			set = make(map[string]*liveQuery)
			s.index[id] = set
		}
		set[q.id] = q
	}
}

// unindex must be called with s.mu held.
func (s *Store) unindex(q *liveQuery) {
	for _, id := range q.ids {
		if set := s.index[id]; set != nil {
			delete(set, q.id)
			if len(set) == 0 {
				delete(s.index, id)
			}
		}
	}
	q.ids = nil
}

func (s *Store) remove(q *liveQuery) {
	q.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unindex(q)
	delete(s.queries, q.id)
	s.logger.Debug("live query ended", zap.String("id", q.id))
}

// Invalidate re-executes every live query that read one of ids and
// publishes events.LiveQueryInvalidated.
func (s *Store) Invalidate(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	s.invalidate(ids)
	eventbus.Publish(ctx, s.bus, events.LiveQueryInvalidated{IDs: ids})
}

// InvalidateRemote is Invalidate for ids received from another mesh
// instance. The published event has Remote set.
func (s *Store) InvalidateRemote(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	s.invalidate(ids)
	eventbus.Publish(ctx, s.bus, events.LiveQueryInvalidated{IDs: ids, Remote: true})
}

func (s *Store) invalidate(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queries {
		if q.missed != nil {
			for _, id := range ids {
				q.missed[id] = struct{}{}
			}
		}
	}
	n := 0
	for _, id := range ids {
		for _, q := range s.index[id] {
			select {
			case q.trigger <- struct{}{}:
				n++
			default:
			}
		}
	}
	s.logger.Debug("invalidated", zap.Strings("ids", ids), zap.Int("queries", n))
}

// Len returns the number of running live queries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

// Close ends every live query and waits for them to stop. Later live
// executions fail with ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, q := range s.queries {
		q.cancel()
	}
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	for _, u := range unsub {
		u()
	}
	s.wg.Wait()
}
