package stream

import (
	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
)

type ringMember string

func (m ringMember) String() string { return string(m) }

type ringHasher struct{}

func (ringHasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

// Ring maps topics to shards with consistent hashing, so a topic keeps
// landing on the same shard across nodes and restarts as long as the
// shard list is stable.
type Ring struct {
	ring *consistent.Consistent
}

func NewRing(shards []string) *Ring {
	members := make([]consistent.Member, 0, len(shards))
	for _, s := range shards {
		members = append(members, ringMember(s))
	}
	cfg := consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 40,
		Load:              1.25,
		Hasher:            ringHasher{},
	}
	return &Ring{ring: consistent.New(members, cfg)}
}

// Locate returns the shard owning the topic.
func (r *Ring) Locate(topic string) string {
	return r.ring.LocateKey([]byte(topic)).String()
}
