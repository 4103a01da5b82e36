// Package stream implements the redis-backed message transport: fanout
// pub/sub channels, consumer-group streams, and the sharding layer that
// spreads topics across independent redis instances.
package stream

import (
	"fmt"
	"strings"
)

const schemePrefix = "redis://"

// Address names a channel or stream on one shard, rendered on the wire
// as redis://host:port/name.
type Address struct {
	Shard string
	Name  string
}

// ParseAddress parses redis://host[:port][/name]. The scheme prefix is
// optional on input.
func ParseAddress(s string) (Address, error) {
	trimmed := strings.TrimPrefix(s, schemePrefix)
	if trimmed == "" {
		return Address{}, fmt.Errorf("empty stream address %q", s)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	addr := Address{Shard: parts[0]}
	if len(parts) == 2 {
		addr.Name = parts[1]
	}
	if addr.Shard == "" {
		return Address{}, fmt.Errorf("stream address %q has no shard", s)
	}
	return addr, nil
}

func (a Address) String() string {
	if a.Name == "" {
		return schemePrefix + a.Shard
	}
	return schemePrefix + a.Shard + "/" + a.Name
}
