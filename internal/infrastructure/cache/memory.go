package cache

import (
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// memoryBackend is an in-process stand-in for memcached used by tests
// and single-node deployments without a cache tier.
type memoryBackend struct {
	mu    sync.Mutex
	items map[string]memoryItem
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryBackend returns a map-backed cache backend.
func NewMemoryBackend() *memoryBackend {
	return &memoryBackend{items: make(map[string]memoryItem)}
}

func (m *memoryBackend) Get(key string) (*memcache.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || (!it.expiresAt.IsZero() && time.Now().After(it.expiresAt)) {
		delete(m.items, key)
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: it.value}, nil
}

func (m *memoryBackend) Set(item *memcache.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if item.Expiration > 0 {
		exp = time.Now().Add(time.Duration(item.Expiration) * time.Second)
	}
	m.items[item.Key] = memoryItem{value: append([]byte(nil), item.Value...), expiresAt: exp}
	return nil
}

func (m *memoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		return memcache.ErrCacheMiss
	}
	delete(m.items, key)
	return nil
}
