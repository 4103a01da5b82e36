package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hermes-inc/hermes/internal/domain/registry"
	"github.com/hermes-inc/hermes/internal/infrastructure/push"
	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	"github.com/hermes-inc/hermes/internal/shared/envelope"
	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

// PickupRegistry tracks which endpoints are in pickup mode and owns
// their queues.
type PickupRegistry struct {
	mu     sync.Mutex
	queues map[string]*PickupQueue
}

func NewPickupRegistry() *PickupRegistry {
	return &PickupRegistry{queues: make(map[string]*PickupQueue)}
}

// Enable switches the endpoint to pickup mode, returning its queue.
func (r *PickupRegistry) Enable(endpointUID string) *PickupQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[endpointUID]; ok {
		return q
	}
	q := NewPickupQueue()
	r.queues[endpointUID] = q
	return q
}

// Disable leaves pickup mode. Undelivered messages are dropped with the
// queue; callers drain first.
func (r *PickupRegistry) Disable(endpointUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, endpointUID)
}

// Get returns the endpoint's queue when pickup mode is active.
func (r *PickupRegistry) Get(endpointUID string) (*PickupQueue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[endpointUID]
	return q, ok
}

// Router terminates the routing protocol: it unwraps one forward layer
// addressed to the mediator and hands the inner packed message to the
// recipient's endpoint.
type Router struct {
	keys     *envelope.KeyPair
	registry registry.Repository
	pool     *stream.Pool
	engine   *push.Engine
	fcm      *push.FCMSender
	pickups  *PickupRegistry
	alert    func(subject, body string)
	log      logger.Interface
}

func NewRouter(keys *envelope.KeyPair, reg registry.Repository, pool *stream.Pool, engine *push.Engine, fcm *push.FCMSender, pickups *PickupRegistry, log logger.Interface) *Router {
	return &Router{
		keys:     keys,
		registry: reg,
		pool:     pool,
		engine:   engine,
		fcm:      fcm,
		pickups:  pickups,
		log:      log.Named("router"),
	}
}

// DeliveryStatus is the outcome of one delivery attempt. Undelivered
// messages are never lost: the push request stays pending on the
// endpoint's forward stream until a consumer claims it.
type DeliveryStatus int

const (
	// DeliveryAccepted: a live consumer acked, or the pickup queue
	// took the message.
	DeliveryAccepted DeliveryStatus = iota
	// DeliveryWokenFCM: nobody acked in time, the device was woken
	// over FCM and will pick the pending entry up.
	DeliveryWokenFCM
	// DeliveryParked: nobody acked and there is no way to reach the
	// device right now.
	DeliveryParked
	// DeliveryNeedsFCM: the device registered a token but FCM
	// credentials are not configured on this mediator.
	DeliveryNeedsFCM
)

// Route delivers a packed envelope posted to the mediator's forward
// inbox. When the mediator is among the recipient kids it unwraps one
// forward layer; otherwise it tries each kid as a registered routing
// key and relays the original envelope still encrypted.
func (r *Router) Route(ctx context.Context, packed []byte) (DeliveryStatus, error) {
	kids, err := envelope.RecipientKids(packed)
	if err != nil {
		return DeliveryParked, apperrors.NewValidationError("malformed envelope")
	}

	for _, kid := range kids {
		if kid != r.keys.VerkeyB58 {
			continue
		}
		raw, _, _, err := envelope.Unpack(packed, r.keys)
		if err != nil {
			return DeliveryParked, err
		}
		msg, err := ParseMessage(raw)
		if err != nil {
			return DeliveryParked, apperrors.NewValidationError(err.Error())
		}
		if msg.Type != TypeForward {
			return DeliveryParked, apperrors.NewValidationError(fmt.Sprintf("expected forward message, got %s", msg.Type))
		}

		var fwd Forward
		if err := msg.Decode(&fwd); err != nil {
			return DeliveryParked, apperrors.NewValidationError("malformed forward message")
		}
		if fwd.To == "" || len(fwd.Msg) == 0 {
			return DeliveryParked, apperrors.NewValidationError("forward message needs to and msg")
		}
		return r.RouteTo(ctx, fwd.To, fwd.Msg)
	}

	for _, kid := range kids {
		endpoint, err := r.registry.LoadEndpointByRoutingKey(ctx, kid)
		if err != nil {
			return DeliveryParked, err
		}
		if endpoint != nil {
			return r.Deliver(ctx, endpoint, packed)
		}
	}
	return DeliveryParked, apperrors.NewValidationError("no recipient kid matches this mediator or a registered routing key")
}

// RouteTo resolves the recipient key to an endpoint and delivers.
func (r *Router) RouteTo(ctx context.Context, recipientKey string, message json.RawMessage) (DeliveryStatus, error) {
	endpoint, err := r.registry.LoadEndpointByVerkey(ctx, recipientKey)
	if err != nil {
		return DeliveryParked, err
	}
	if endpoint == nil {
		endpoint, err = r.registry.LoadEndpointByRoutingKey(ctx, recipientKey)
		if err != nil {
			return DeliveryParked, err
		}
	}
	if endpoint == nil {
		return DeliveryParked, apperrors.NewNotFoundError(fmt.Sprintf("no endpoint for recipient key %s", recipientKey))
	}
	return r.Deliver(ctx, endpoint, message)
}

// Deliver hands the message to the endpoint: pickup queue when active,
// otherwise a push over the forward stream. An unacked push stays
// pending on the stream and the device is woken over FCM when a token
// is known.
func (r *Router) Deliver(ctx context.Context, endpoint *registry.Endpoint, message json.RawMessage) (DeliveryStatus, error) {
	if queue, ok := r.pickups.Get(endpoint.UID); ok {
		queue.Put(message)
		return DeliveryAccepted, nil
	}

	// The push request doubles as the parked entry, so the endpoint
	// needs a stream address even before its first session.
	if endpoint.ForwardStreamAddress == "" {
		var err error
		endpoint, err = r.rotateShard(ctx, endpoint)
		if err != nil {
			return DeliveryParked, err
		}
	}

	delivered, err := r.engine.Push(ctx, endpoint.UID, message)
	if err != nil {
		if !apperrors.IsTransportUnreachable(err) {
			return DeliveryParked, err
		}
		// The endpoint's shard is down: move it and try once more.
		endpoint, err = r.rotateShard(ctx, endpoint)
		if err != nil {
			return DeliveryParked, err
		}
		delivered, err = r.engine.Push(ctx, endpoint.UID, message)
		if err != nil {
			return DeliveryParked, err
		}
	}
	if delivered {
		return DeliveryAccepted, nil
	}
	return r.wake(ctx, endpoint, message)
}

// wake decides what happens to an unacked push: FCM when the device
// can be reached, otherwise the entry just waits on the stream.
func (r *Router) wake(ctx context.Context, endpoint *registry.Endpoint, message json.RawMessage) (DeliveryStatus, error) {
	if endpoint.FCMDeviceID == "" {
		return DeliveryParked, nil
	}
	if r.fcm == nil || !r.fcm.Available(endpoint.FCMDeviceID) {
		return DeliveryNeedsFCM, nil
	}
	if err := r.fcm.Send(ctx, endpoint.FCMDeviceID, message); err != nil {
		r.log.Warnw("fcm wake failed", "endpoint", endpoint.UID, "error", err)
		if r.alert != nil {
			r.alert("FCM wake failed",
				fmt.Sprintf("Waking device for endpoint %s failed: %v", endpoint.UID, err))
		}
		return DeliveryParked, nil
	}
	return DeliveryWokenFCM, nil
}

// SetAlert installs a hook fired when waking an offline device fails,
// so operators hear about broken FCM credentials.
func (r *Router) SetAlert(fn func(subject, body string)) {
	r.alert = fn
}

// rotateShard reassigns the endpoint's forward stream to a reachable
// shard, excluding the current one, and persists the new address.
func (r *Router) rotateShard(ctx context.Context, endpoint *registry.Endpoint) (*registry.Endpoint, error) {
	var current string
	if endpoint.ForwardStreamAddress != "" {
		if addr, err := stream.ParseAddress(endpoint.ForwardStreamAddress); err == nil {
			current = addr.Shard
		}
	}
	shard, err := r.pool.ChooseShard(ctx, current)
	if err != nil {
		return nil, err
	}

	newAddr := stream.Address{Shard: shard, Name: endpoint.UID}.String()
	if err := r.registry.EnsureEndpoint(ctx, endpoint.UID, registry.EndpointUpdate{
		ForwardStreamAddress: &newAddr,
	}); err != nil {
		return nil, err
	}
	r.engine.EvictEndpoint(endpoint.UID)
	r.log.Infow("endpoint moved to new shard", "endpoint", endpoint.UID, "shard", shard)

	moved := *endpoint
	moved.ForwardStreamAddress = newAddr
	return &moved, nil
}

// WrapForward builds the routing onion for an outbound message: packed
// for the recipient, then wrapped in a forward per routing key, nearest
// hop last so the outermost layer is for the first hop.
func WrapForward(message []byte, recipientVK string, routingKeys []string, from *envelope.KeyPair) ([]byte, error) {
	packed, err := envelope.Pack(message, []string{recipientVK}, from)
	if err != nil {
		return nil, err
	}

	to := recipientVK
	for _, rk := range routingKeys {
		fwd := NewForward(to, packed)
		raw, err := json.Marshal(fwd)
		if err != nil {
			return nil, fmt.Errorf("marshal forward: %w", err)
		}
		packed, err = envelope.Pack(raw, []string{rk}, nil)
		if err != nil {
			return nil, err
		}
		to = rk
	}
	return packed, nil
}

// DefaultGroup is the consumer group name for an endpoint's default
// cohort, shared with the push engine's parked requests.
func DefaultGroup(endpointUID string) string {
	return push.DefaultGroup(endpointUID)
}

// CohortGroup scopes a consumer group to a named cohort, so devices in
// different cohorts each receive a full copy of the stream.
func CohortGroup(endpointUID, groupID string) string {
	if groupID == "" {
		return DefaultGroup(endpointUID)
	}
	return endpointUID + "/" + groupID
}
