package kvstore

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Memory implements Store in process memory. It only provides the global
// guarantee when a single gateway instance runs; it exists for single-node
// deployments and tests.
type Memory struct {
	mu       sync.Mutex
	counters *ttlcache.Cache[string, int64]
	markers  *ttlcache.Cache[string, []byte]
}

// NewMemory builds an in-memory store and starts its eviction loops.
func NewMemory() *Memory {
	m := &Memory{
		counters: ttlcache.New[string, int64](
			ttlcache.WithDisableTouchOnHit[string, int64](),
		),
		markers: ttlcache.New[string, []byte](
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		),
	}
	go m.counters.Start()
	go m.markers.Start()
	return m
}

func (m *Memory) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item := m.counters.Get(key); item != nil {
		count := item.Value() + 1
		remaining := time.Until(item.ExpiresAt())
		if remaining < 0 {
			remaining = 0
		}
		// Re-set with the remaining window so the expiry does not slide.
		m.counters.Set(key, count, remaining)
		return count, remaining, nil
	}
	m.counters.Set(key, 1, window)
	return 1, window, nil
}

func (m *Memory) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item := m.markers.Get(key); item != nil {
		return false, item.Value(), nil
	}
	m.markers.Set(key, value, ttl)
	return true, nil, nil
}

func (m *Memory) Close() error {
	m.counters.Stop()
	m.markers.Stop()
	return nil
}
