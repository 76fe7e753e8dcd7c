package grpctp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"
	reqid "github.com/hanpama/gqlmesh/internal/reqid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Outgoing metadata set on every call.
const (
	MetadataService   = "x-gqlmesh-service"
	MetadataSource    = "x-gqlmesh-source"
	MetadataRequestID = "x-request-id"
)

// Transport performs unary calls with dynamic messages on behalf of one mesh
// source. Connections are pooled per endpoint and endpoints of a service are
// used in turn.
type Transport struct {
	opts   *Options
	logger *zap.Logger

	mu     sync.RWMutex
	pools  map[string]*connPool // key: endpoint
	next   atomic.Uint64
	closed atomic.Bool
}

func New(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		opts:   o,
		logger: logger.Named("grpctp"),
		pools:  make(map[string]*connPool),
	}
}

// Call invokes the unary method with request and returns the response as a
// dynamic message of the method's output type. Failed calls return a
// *CallError unless the transport is closed or misconfigured.
func (t *Transport) Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.opts.Provider == nil {
		return nil, fmt.Errorf("grpctp: provider not configured")
	}
	service := string(method.Parent().FullName())
	name := string(method.Name())

	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}
	ctx = t.outgoing(ctx, service)

	endpoint, err := t.pick(ctx, service)
	if err != nil {
		return nil, err
	}
	cc, err := t.getConn(endpoint)
	if err != nil {
		return nil, err
	}
	defer t.returnConn(endpoint, cc)

	start := time.Now()
	eventbus.Publish(ctx, t.opts.Bus, events.GRPCClientStart{
		Source:  t.opts.Source,
		Service: service,
		Method:  name,
		Target:  endpoint,
	})
	resp := dynamicpb.NewMessage(method.Output())
	err = cc.Invoke(ctx, "/"+service+"/"+name, request.Interface(), resp)
	eventbus.Publish(ctx, t.opts.Bus, events.GRPCClientFinish{
		Source:   t.opts.Source,
		Service:  service,
		Method:   name,
		Target:   endpoint,
		Code:     status.Code(err),
		Err:      err,
		Duration: time.Since(start),
	})
	if err != nil {
		callErr := &CallError{Service: service, Method: name, Endpoint: endpoint, Status: status.Convert(err), err: err}
		t.logger.Debug("grpc call failed",
			zap.String("source", t.opts.Source),
			zap.String("method", service+"/"+name),
			zap.String("endpoint", endpoint),
			zap.Stringer("code", callErr.Status.Code()),
		)
		return nil, callErr
	}
	return resp, nil
}

func (t *Transport) outgoing(ctx context.Context, service string) context.Context {
	kv := []string{MetadataService, service}
	if t.opts.Source != "" {
		kv = append(kv, MetadataSource, t.opts.Source)
	}
	if rid, ok := reqid.FromContext(ctx); ok {
		kv = append(kv, MetadataRequestID, rid)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// pick returns the next endpoint of service, round robin.
func (t *Transport) pick(ctx context.Context, service string) (string, error) {
	endpoints, err := t.opts.Provider.Endpoints(ctx, service)
	if err != nil {
		return "", err
	}
	if len(endpoints) == 0 {
		return "", ErrNoEndpoints
	}
	n := t.next.Add(1) - 1
	return endpoints[n%uint64(len(endpoints))], nil
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		p.close()
	}
	t.pools = map[string]*connPool{}
	t.logger.Debug("transport closed", zap.String("source", t.opts.Source))
	return nil
}

// connPool keeps up to max idle connections of one endpoint.
type connPool struct {
	endpoint string
	opts     *Options
	max      int

	mu     sync.Mutex
	idle   []*grpc.ClientConn
	closed bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &connPool{endpoint: endpoint, opts: opts, max: n}
}

// get reuses an idle connection or creates one. grpc.NewClient connects
// lazily, so failures surface from the call.
func (p *connPool) get() (*grpc.ClientConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		cc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return cc, nil
	}
	p.mu.Unlock()
	cc, err := grpc.NewClient(p.endpoint, p.opts.DialOptions...)
	if err != nil {
		return nil, fmt.Errorf("grpctp: client for %s: %w", p.endpoint, err)
	}
	return cc, nil
}

func (p *connPool) put(cc *grpc.ClientConn) {
	p.mu.Lock()
	if p.closed || len(p.idle) >= p.max {
		p.mu.Unlock()
		_ = cc.Close()
		return
	}
	p.idle = append(p.idle, cc)
	p.mu.Unlock()
}

func (p *connPool) close() {
	p.mu.Lock()
	idle := p.idle
	p.idle, p.closed = nil, true
	p.mu.Unlock()
	for _, cc := range idle {
		_ = cc.Close()
	}
}

func (t *Transport) getConn(endpoint string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool == nil {
		t.mu.Lock()
		if t.closed.Load() {
			t.mu.Unlock()
			return nil, ErrClosed
		}
		if pool = t.pools[endpoint]; pool == nil {
			pool = newConnPool(endpoint, t.opts)
			t.pools[endpoint] = pool
		}
		t.mu.Unlock()
	}
	return pool.get()
}

func (t *Transport) returnConn(endpoint string, cc *grpc.ClientConn) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool == nil {
		_ = cc.Close()
		return
	}
	pool.put(cc)
}
