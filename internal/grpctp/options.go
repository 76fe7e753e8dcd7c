package grpctp

import (
	"time"

	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Options configures the gRPC transport behavior.
//
// Defaults:
// - MaxConnsPerEndpoint: 2
// - RPCTimeout:          3s (used only if incoming context has no deadline)
// - DialOptions:         insecure credentials
//
// Provider must be set (use StaticEndpoints or a custom implementation);
// calls fail without one. Bus receives GRPCClientStart and GRPCClientFinish
// events and may be nil. Source names the mesh source in events and outgoing
// metadata.
type Options struct {
	Provider EndpointProvider
	Bus      *eventbus.Bus
	Source   string
	Logger   *zap.Logger

	MaxConnsPerEndpoint int
	RPCTimeout          time.Duration

	DialOptions []grpc.DialOption
}

// Option mutates Options
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		MaxConnsPerEndpoint: 2,
		RPCTimeout:          3 * time.Second,
	}
}

func WithProvider(p EndpointProvider) Option { return func(o *Options) { o.Provider = p } }
func WithBus(b *eventbus.Bus) Option         { return func(o *Options) { o.Bus = b } }
func WithSource(name string) Option          { return func(o *Options) { o.Source = name } }
func WithLogger(l *zap.Logger) Option        { return func(o *Options) { o.Logger = l } }
func WithMaxConnsPerEndpoint(n int) Option   { return func(o *Options) { o.MaxConnsPerEndpoint = n } }
func WithRPCTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.RPCTimeout = d
		}
	}
}
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.DialOptions = opts }
}
