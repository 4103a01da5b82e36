package stream

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

// Pool manages one go-redis client per shard plus the consistent ring
// over all configured shards.
type Pool struct {
	addrs    []string
	password string
	ring     *Ring
	log      logger.Interface

	mu      sync.Mutex
	clients map[string]*redis.Client
}

func NewPool(addrs []string, password string, log logger.Interface) *Pool {
	return &Pool{
		addrs:    addrs,
		password: password,
		ring:     NewRing(addrs),
		log:      log.Named("stream"),
		clients:  make(map[string]*redis.Client),
	}
}

// Shards returns the configured shard addresses.
func (p *Pool) Shards() []string {
	return p.addrs
}

// Client returns the lazily created client for a shard address.
func (p *Pool) Client(shard string) *redis.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[shard]; ok {
		return c
	}
	c := redis.NewClient(&redis.Options{
		Addr:         shard,
		Password:     p.password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  -1,
		WriteTimeout: 3 * time.Second,
	})
	p.clients[shard] = c
	return c
}

// Ping probes one shard.
func (p *Pool) Ping(ctx context.Context, shard string) error {
	if err := p.Client(shard).Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping %s: %v", apperrors.ErrTransportUnreachable, shard, err)
	}
	return nil
}

// TopicAddress maps a topic onto its ring-owned shard.
func (p *Pool) TopicAddress(topic string) Address {
	return Address{Shard: p.ring.Locate(topic), Name: topic}
}

// ChooseShard probes shards in random order and returns the first one
// that answers. The excluded shard (typically one that just failed) is
// tried last, so it is still usable when it is the only shard alive.
func (p *Pool) ChooseShard(ctx context.Context, excluding string) (string, error) {
	candidates := make([]string, len(p.addrs))
	copy(candidates, p.addrs)
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	for i, c := range candidates {
		if c == excluding && i != len(candidates)-1 {
			candidates = append(append(candidates[:i:i], candidates[i+1:]...), c)
			break
		}
	}

	for _, shard := range candidates {
		if err := p.Ping(ctx, shard); err != nil {
			p.log.Debugw("shard unreachable", "shard", shard, "error", err)
			continue
		}
		return shard, nil
	}
	return "", apperrors.ErrNoReachableShard
}

// Fanout opens a pub/sub channel at addr.
func (p *Pool) Fanout(addr Address) *FanoutChannel {
	return NewFanoutChannel(p.Client(addr.Shard), addr, p.log)
}

// Group opens a consumer-group stream at addr for the given group.
func (p *Pool) Group(addr Address, group string) *GroupStream {
	return NewGroupStream(p.Client(addr.Shard), addr, group, p.log)
}

// Close releases every shard client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for shard, c := range p.clients {
		if err := c.Close(); err != nil {
			p.log.Warnw("closing shard client failed", "shard", shard, "error", err)
		}
	}
	p.clients = make(map[string]*redis.Client)
}
