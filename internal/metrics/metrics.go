// Package metrics exposes mesh events as Prometheus collectors.
package metrics

import (
	"context"
	"strconv"

	eventbus "github.com/hanpama/gqlmesh/internal/eventbus"
	events "github.com/hanpama/gqlmesh/internal/events"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gqlmesh"

// Metrics holds the collectors fed by mesh events.
type Metrics struct {
	Operations         *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	ResolverErrors     *prometheus.CounterVec
	ResolverDuration   *prometheus.HistogramVec
	SourceAcquisitions *prometheus.CounterVec
	GRPCClientRequests *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	LiveInvalidations  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graphql_operations_total",
			Help:      "Number of executed GraphQL operations.",
		}, []string{"type", "status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "graphql_operation_duration_seconds",
			Help:      "Duration of GraphQL operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		ResolverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_errors_total",
			Help:      "Number of failed field resolutions.",
		}, []string{"coordinate"}),
		ResolverDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolver_duration_seconds",
			Help:      "Duration of field resolutions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"coordinate"}),
		SourceAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_acquisitions_total",
			Help:      "Number of source handler invocations.",
		}, []string{"source", "status"}),
		GRPCClientRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_client_requests_total",
			Help:      "Number of gRPC calls made to upstream services.",
		}, []string{"source", "service", "method", "code"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Number of HTTP requests served.",
		}, []string{"status"}),
		LiveInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_query_invalidations_total",
			Help:      "Number of invalidated live query identifiers.",
		}, []string{"origin"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Operations,
		m.OperationDuration,
		m.ResolverErrors,
		m.ResolverDuration,
		m.SourceAcquisitions,
		m.GRPCClientRequests,
		m.HTTPRequests,
		m.LiveInvalidations,
	}
}

// Register subscribes the collectors to bus and returns a function removing
// the subscriptions.
func (m *Metrics) Register(bus *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.Subscribe(bus, func(_ context.Context, e events.GraphQLFinish) {
			typ := e.OperationType
			if typ == "" {
				typ = "unknown"
			}
			m.Operations.WithLabelValues(typ, status(len(e.Errors) == 0)).Inc()
			m.OperationDuration.WithLabelValues(typ).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.ResolverDone) {
			m.ResolverDuration.WithLabelValues(e.Data.Coordinate()).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.ResolverError) {
			coord := e.Data.Coordinate()
			m.ResolverErrors.WithLabelValues(coord).Inc()
			m.ResolverDuration.WithLabelValues(coord).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.SourceAcquired) {
			m.SourceAcquisitions.WithLabelValues(e.Source, status(e.Err == nil)).Inc()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.GRPCClientFinish) {
			m.GRPCClientRequests.WithLabelValues(e.Source, e.Service, e.Method, e.Code.String()).Inc()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.HTTPFinish) {
			m.HTTPRequests.WithLabelValues(strconv.Itoa(e.Status)).Inc()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.LiveQueryInvalidated) {
			origin := "local"
			if e.Remote {
				origin = "remote"
			}
			m.LiveInvalidations.WithLabelValues(origin).Add(float64(len(e.IDs)))
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
