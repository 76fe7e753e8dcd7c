package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

var memorySeq atomic.Uint64

// Memory is an in-process KeyValueCache backed by ristretto. Entries cost
// their byte length; MaxBytes bounds the total.
type Memory struct {
	id    string
	cache *ristretto.Cache[string, []byte]
}

// NewMemory creates a Memory cache holding at most maxBytes of values.
func NewMemory(maxBytes int64) (*Memory, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        maxBytes / 64 * 10,
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &Memory{id: fmt.Sprintf("memory-%d", memorySeq.Add(1)), cache: c}, nil
}

func (m *Memory) name() string { return m.id }

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.cache.Get(key)
	return v, ok, nil
}

// Set stores value. Writes are applied synchronously so a following Get
// observes them.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !m.cache.SetWithTTL(key, value, int64(len(value))+1, ttl) {
		return fmt.Errorf("memory cache rejected key %q", key)
	}
	m.cache.Wait()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Del(key)
	return nil
}

// Close stops the cache's background goroutines.
func (m *Memory) Close() { m.cache.Close() }
