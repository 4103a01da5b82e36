// Package push delivers forward messages to an endpoint's consumers
// over the stream transport, with an acknowledgement handshake and an
// FCM wakeup fallback for offline devices.
package push

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hermes-inc/hermes/internal/domain/registry"
	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

const (
	TypePush    = "https://didcomm.org/redis/1.0/push"
	TypePushAck = "https://didcomm.org/redis/1.0/push/ack"
)

// Request is the entry appended to an endpoint's forward stream. The
// consumer that claims it answers on ReverseChannel before ExpireAt;
// an unclaimed request stays pending on the stream until the next
// consumer attaches, so the entry itself is the parked message.
type Request struct {
	ID             string          `json:"@id"`
	Type           string          `json:"@type"`
	ReverseChannel string          `json:"reverse_channel"`
	ExpireAt       int64           `json:"expire_at"`
	Message        json.RawMessage `json:"message"`
}

// Ack is the confirmation frame sent back on the reverse channel.
type Ack struct {
	ID     string `json:"@id"`
	Type   string `json:"@type"`
	Status bool   `json:"status"`
}

// EndpointLoader resolves an endpoint record by uid.
type EndpointLoader interface {
	LoadEndpoint(ctx context.Context, uid string) (*registry.Endpoint, error)
}

// DefaultGroup is the consumer group the engine parks requests for when
// a session has not named its own cohort.
func DefaultGroup(endpointUID string) string {
	return endpointUID + "/default"
}

// Engine pushes messages to one endpoint's consumers. Resolved forward
// addresses are cached; a transport failure evicts the cache so the
// caller can rotate the shard and retry.
type Engine struct {
	pool     *stream.Pool
	registry EndpointLoader
	ttl      time.Duration
	// reverse channel collocated with the forward stream when true,
	// otherwise placed on any reachable shard
	reverseEqualForward bool
	log                 logger.Interface

	mu        sync.Mutex
	addresses map[string]stream.Address
}

func NewEngine(pool *stream.Pool, reg EndpointLoader, ttl time.Duration, reverseEqualForward bool, log logger.Interface) *Engine {
	return &Engine{
		pool:                pool,
		registry:            reg,
		ttl:                 ttl,
		reverseEqualForward: reverseEqualForward,
		log:                 log.Named("push"),
		addresses:           make(map[string]stream.Address),
	}
}

// EvictEndpoint drops the cached forward address for one endpoint.
func (e *Engine) EvictEndpoint(endpointUID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.addresses, endpointUID)
}

func (e *Engine) resolveAddress(ctx context.Context, endpointUID string, bypassCache bool) (stream.Address, bool, error) {
	if !bypassCache {
		e.mu.Lock()
		addr, ok := e.addresses[endpointUID]
		e.mu.Unlock()
		if ok {
			return addr, true, nil
		}
	}

	endpoint, err := e.registry.LoadEndpoint(ctx, endpointUID)
	if err != nil {
		return stream.Address{}, false, err
	}
	if endpoint == nil || endpoint.ForwardStreamAddress == "" {
		return stream.Address{}, false, nil
	}
	addr, err := stream.ParseAddress(endpoint.ForwardStreamAddress)
	if err != nil {
		return stream.Address{}, false, err
	}

	e.mu.Lock()
	e.addresses[endpointUID] = addr
	e.mu.Unlock()
	return addr, true, nil
}

// reverseAddress derives the acknowledgement channel from the forward
// address, so every pusher to the same endpoint shares one reverse
// channel and acks are matched by request id. Pub/sub channels and
// stream keys live in separate redis namespaces, so the collocated
// reverse channel reuses the forward name verbatim.
func (e *Engine) reverseAddress(ctx context.Context, forward stream.Address) (stream.Address, error) {
	if e.reverseEqualForward {
		return forward, nil
	}
	sum := sha256.Sum256([]byte(forward.String()))
	shard, err := e.pool.ChooseShard(ctx, "")
	if err != nil {
		return stream.Address{}, err
	}
	return stream.Address{Shard: shard, Name: hex.EncodeToString(sum[:])}, nil
}

// Push appends the message to the endpoint's forward stream and waits
// up to the TTL for a consumer's acknowledgement. It reports false
// without error when nobody acks in time; the entry stays pending on
// the stream for the next consumer. The cache-bypass pass only runs
// when no address resolved at all, so the total wait is bounded by a
// single TTL. Transport failures evict the address cache and surface
// to the caller for shard rotation.
func (e *Engine) Push(ctx context.Context, endpointUID string, message json.RawMessage) (bool, error) {
	for _, bypass := range []bool{false, true} {
		addr, found, err := e.resolveAddress(ctx, endpointUID, bypass)
		if err != nil {
			return false, err
		}
		if !found {
			continue
		}

		delivered, err := e.pushOnce(ctx, addr, endpointUID, message)
		if err != nil {
			e.EvictEndpoint(endpointUID)
			return false, err
		}
		return delivered, nil
	}
	return false, nil
}

func (e *Engine) pushOnce(ctx context.Context, forward stream.Address, endpointUID string, message json.RawMessage) (bool, error) {
	reverseAddr, err := e.reverseAddress(ctx, forward)
	if err != nil {
		return false, err
	}

	// ExpireAt is whole seconds on the wire; the local wait keeps the
	// exact deadline.
	deadline := time.Now().Add(e.ttl)
	request := Request{
		ID:             strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:           TypePush,
		ReverseChannel: reverseAddr.String(),
		ExpireAt:       deadline.Unix(),
		Message:        message,
	}

	reverse := e.pool.Fanout(reverseAddr)
	// The consumer answers immediately after claiming the request, so
	// the reverse subscription must exist before the request goes out.
	if err := reverse.Subscribe(ctx); err != nil {
		return false, err
	}
	defer reverse.Unsubscribe()

	if err := e.pool.Group(forward, DefaultGroup(endpointUID)).Write(ctx, request); err != nil {
		return false, err
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		body, err := reverse.Read(ctx, remaining)
		if err != nil {
			if err == apperrors.ErrReadTimeout {
				return false, nil
			}
			return false, err
		}

		var ack Ack
		if err := json.Unmarshal(body, &ack); err != nil || ack.Type != TypePushAck {
			continue
		}
		if ack.ID != request.ID {
			e.log.Debugw("ignoring ack for another request", "expected", request.ID, "got", ack.ID)
			continue
		}
		return ack.Status, nil
	}
}

// Respond sends the acknowledgement for a claimed push request. It is
// the consumer-side half of the handshake.
func (e *Engine) Respond(ctx context.Context, request Request, status bool) error {
	addr, err := stream.ParseAddress(request.ReverseChannel)
	if err != nil {
		return fmt.Errorf("parse reverse channel: %w", err)
	}
	_, err = e.pool.Fanout(addr).Write(ctx, Ack{ID: request.ID, Type: TypePushAck, Status: status})
	return err
}
