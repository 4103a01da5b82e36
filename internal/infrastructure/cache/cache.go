// Package cache provides the namespaced read-through cache in front of
// the endpoint registry, backed by memcached. Cache failures are
// advisory: every error path degrades to a database read.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/hermes-inc/hermes/internal/shared/logger"
)

// Cache namespaces reserved by the registry.
const (
	NamespaceAgents          = "agents"
	NamespaceAgentsVerkeys   = "agents_verkeys"
	NamespaceEndpoints       = "endpoints"
	NamespaceEndpointVerkeys = "endpoints_verkeys"
	NamespaceRoutingKeys     = "routing_keys"
	NamespaceGlobalSettings  = "global_settings"
)

// backend is the subset of the memcached client the cache relies on.
// Tests substitute an in-process map.
type backend interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Delete(key string) error
}

// KV is a namespaced JSON cache with a fixed TTL.
type KV struct {
	client backend
	ttl    int32
	log    logger.Interface
}

// New connects to memcached at addr. TTL applies to every entry.
func New(addr string, ttlSeconds int, log logger.Interface) *KV {
	client := memcache.New(addr)
	return &KV{client: client, ttl: int32(ttlSeconds), log: log.Named("cache")}
}

// NewWithBackend builds a KV over a prepared backend.
func NewWithBackend(b backend, ttlSeconds int, log logger.Interface) *KV {
	return &KV{client: b, ttl: int32(ttlSeconds), log: log.Named("cache")}
}

// Memcached rejects keys with spaces or control bytes and caps length at
// 250; hashing keeps arbitrary verkeys and uids safe.
func cacheKey(namespace, key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s:%s", namespace, hex.EncodeToString(sum[:]))
}

// Get unmarshals the cached value for (namespace, key) into out and
// reports whether it was present.
func (c *KV) Get(namespace, key string, out any) bool {
	item, err := c.client.Get(cacheKey(namespace, key))
	if err != nil {
		if err != memcache.ErrCacheMiss {
			c.log.Debugw("cache get failed", "namespace", namespace, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(item.Value, out); err != nil {
		c.log.Debugw("cache entry unmarshal failed", "namespace", namespace, "error", err)
		return false
	}
	return true
}

// Set stores v under (namespace, key) for the configured TTL.
func (c *KV) Set(namespace, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Debugw("cache value marshal failed", "namespace", namespace, "error", err)
		return
	}
	err = c.client.Set(&memcache.Item{
		Key:        cacheKey(namespace, key),
		Value:      raw,
		Expiration: c.ttl,
	})
	if err != nil {
		c.log.Debugw("cache set failed", "namespace", namespace, "error", err)
	}
}

// Delete evicts (namespace, key). Missing entries are not an error.
func (c *KV) Delete(namespace, key string) {
	if err := c.client.Delete(cacheKey(namespace, key)); err != nil && err != memcache.ErrCacheMiss {
		c.log.Debugw("cache delete failed", "namespace", namespace, "error", err)
	}
}

// Ping verifies the memcached connection with a write-read roundtrip.
func (c *KV) Ping() error {
	const probe = "health:probe"
	if err := c.client.Set(&memcache.Item{Key: probe, Value: []byte("ok"), Expiration: 5}); err != nil {
		return fmt.Errorf("cache set probe: %w", err)
	}
	if _, err := c.client.Get(probe); err != nil {
		return fmt.Errorf("cache get probe: %w", err)
	}
	return nil
}
