package mediator

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

// ProblemCodeInvalidCast is returned when a bus cast cannot produce a
// binding id.
const ProblemCodeInvalidCast = "invalid_cast"

// Cast selects the message flow a bus operation binds to: either an
// explicit thread id, or a sender/recipient/protocols pattern hashed
// into a deterministic binding id.
type Cast struct {
	Thid        string   `json:"thid,omitempty"`
	SenderVK    []string `json:"sender_vk,omitempty"`
	RecipientVK []string `json:"recipient_vk,omitempty"`
	Protocols   []string `json:"protocols,omitempty"`
}

// Validate checks the cast can be bound. Key patterns without protocols
// are ambiguous and rejected.
func (c Cast) Validate() error {
	if c.Thid != "" {
		return nil
	}
	if len(c.Protocols) == 0 {
		return apperrors.NewValidationError("cast needs a thid or a protocols list")
	}
	return nil
}

// BindingID derives the deterministic id all parties compute for the
// same cast: the thid itself, or a hash over the sorted pattern.
func (c Cast) BindingID() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	if c.Thid != "" {
		return c.Thid, nil
	}

	canon := struct {
		SenderVK    []string `json:"sender_vk"`
		RecipientVK []string `json:"recipient_vk"`
		Protocols   []string `json:"protocols"`
	}{
		SenderVK:    sortedCopy(c.SenderVK),
		RecipientVK: sortedCopy(c.RecipientVK),
		Protocols:   sortedCopy(c.Protocols),
	}
	raw, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("marshal cast: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// BusSubscribe asks the mediator to start listening on casts. The
// optional parent thread id groups bindings so they can be dropped
// together later.
type BusSubscribe struct {
	base
	Cast           Cast   `json:"cast"`
	ParentThreadID string `json:"parent_thread_id,omitempty"`
}

// BusUnsubscribe stops listening: by binding ids, by parent thread id,
// or everything when both are empty.
type BusUnsubscribe struct {
	base
	BindingIDs     []string `json:"binding_ids,omitempty"`
	ParentThreadID string   `json:"parent_thread_id,omitempty"`
	NeedAnswer     bool     `json:"need_answer,omitempty"`
}

// BusPublish pushes a packet to everyone bound to the cast.
type BusPublish struct {
	base
	Cast    Cast   `json:"cast"`
	Payload string `json:"payload"`
}

// BusBindResponse confirms a subscribe or unsubscribe.
type BusBindResponse struct {
	base
	thread
	BindingIDs     []string `json:"binding_ids"`
	Active         bool     `json:"active"`
	ParentThreadID string   `json:"parent_thread_id,omitempty"`
}

// BusPublishResponse reports how many listeners received a publish.
type BusPublishResponse struct {
	base
	thread
	RecipientsNum int    `json:"recipients_num"`
	BindingID     string `json:"binding_id"`
}

// BusEvent is the frame delivered to a subscribed listener.
type BusEvent struct {
	base
	BindingID      string `json:"binding_id"`
	Payload        string `json:"payload"`
	ParentThreadID string `json:"parent_thread_id,omitempty"`
}

// busFrame is the on-wire fanout body for bus topics.
type busFrame struct {
	Payload string `json:"payload"`
}

// Bus fans packets out between agents bound to a shared cast. Topics
// are placed on shards by the consistent ring, so every node resolves a
// binding to the same channel.
type Bus struct {
	pool *stream.Pool
	log  logger.Interface
}

func NewBus(pool *stream.Pool, log logger.Interface) *Bus {
	return &Bus{pool: pool, log: log.Named("bus")}
}

// Topic scopes a binding id to its owner DID so unrelated agents with
// the same thid never collide.
func (b *Bus) Topic(ownerDID, bindingID string) string {
	return ownerDID + "/" + bindingID
}

// Channel opens the fanout channel for a topic on its ring shard.
func (b *Bus) Channel(ownerDID, bindingID string) *stream.FanoutChannel {
	topic := b.Topic(ownerDID, bindingID)
	return b.pool.Fanout(b.pool.TopicAddress(topic))
}

// Publish delivers a base64 packet to every listener of the binding and
// returns the listener count.
func (b *Bus) Publish(ctx context.Context, ownerDID, bindingID, payloadB64 string) (int, error) {
	if _, err := base64.StdEncoding.DecodeString(payloadB64); err != nil {
		return 0, apperrors.NewValidationError("bus payload is not valid base64")
	}
	return b.Channel(ownerDID, bindingID).Write(ctx, busFrame{Payload: payloadB64})
}
