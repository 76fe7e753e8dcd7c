package grpctp

import (
	"context"
	"sync"
)

// EndpointProvider lists the reachable endpoints (host:port) of a fully
// qualified gRPC service name such as "books.v1.BookService".
// Implementations must be safe for concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, service string) ([]string, error)
}

// StaticEndpoints is a provider backed by an in-memory map from service
// name to endpoints.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	cp := make(map[string][]string, len(m))
	for k, v := range m {
		cp[k] = append([]string(nil), v...)
	}
	return &StaticEndpoints{data: cp}
}

// Set replaces the endpoints of service.
func (s *StaticEndpoints) Set(service string, endpoints ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[service] = append([]string(nil), endpoints...)
}

func (s *StaticEndpoints) Endpoints(_ context.Context, service string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[service]
	if len(arr) == 0 {
		return nil, ErrNoEndpoints
	}
	return append([]string(nil), arr...), nil
}
