package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

const (
	packetKindData  = "data"
	packetKindClose = "close"
)

// fanoutPacket is the wire frame on pub/sub channels. The close kind is
// a broadcast sentinel telling every reader the channel is finished.
type fanoutPacket struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// FanoutChannel is an at-most-once broadcast channel over redis
// pub/sub. Every subscribed reader sees every write; nothing is stored.
type FanoutChannel struct {
	client *redis.Client
	addr   Address
	log    logger.Interface

	mu  sync.Mutex
	sub *redis.PubSub
}

func NewFanoutChannel(client *redis.Client, addr Address, log logger.Interface) *FanoutChannel {
	return &FanoutChannel{client: client, addr: addr, log: log}
}

// Address returns the channel's shard-qualified address.
func (f *FanoutChannel) Address() Address { return f.addr }

// Subscribe registers this reader before any Write happens elsewhere.
// Reads without a prior Subscribe attach lazily, which can miss frames
// published in between.
func (f *FanoutChannel) Subscribe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		return nil
	}
	sub := f.client.Subscribe(ctx, f.addr.Name)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("%w: subscribe %s: %v", apperrors.ErrTransportUnreachable, f.addr, err)
	}
	f.sub = sub
	return nil
}

// Write publishes v to every current subscriber and returns how many
// readers received it.
func (f *FanoutChannel) Write(ctx context.Context, v any) (int, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal fanout body: %w", err)
	}
	return f.publish(ctx, fanoutPacket{Kind: packetKindData, Body: body})
}

func (f *FanoutChannel) publish(ctx context.Context, packet fanoutPacket) (int, error) {
	raw, err := json.Marshal(packet)
	if err != nil {
		return 0, fmt.Errorf("marshal fanout packet: %w", err)
	}
	n, err := f.client.Publish(ctx, f.addr.Name, raw).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: publish %s: %v", apperrors.ErrTransportUnreachable, f.addr, err)
	}
	return int(n), nil
}

// Read blocks for the next frame, up to timeout (0 means wait on ctx
// alone). It returns ErrReadTimeout on expiry and ErrChannelClosed once
// a close sentinel arrives.
func (f *FanoutChannel) Read(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	if err := f.Subscribe(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()

	readCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		msg, err := sub.ReceiveMessage(readCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, apperrors.ErrReadTimeout
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: read %s: %v", apperrors.ErrTransportUnreachable, f.addr, err)
		}

		var packet fanoutPacket
		if err := json.Unmarshal([]byte(msg.Payload), &packet); err != nil {
			f.log.Debugw("dropping malformed fanout frame", "channel", f.addr.Name, "error", err)
			continue
		}
		switch packet.Kind {
		case packetKindClose:
			return nil, apperrors.ErrChannelClosed
		case packetKindData:
			return packet.Body, nil
		default:
			f.log.Debugw("dropping fanout frame of unknown kind", "channel", f.addr.Name, "kind", packet.Kind)
		}
	}
}

// Close broadcasts the close sentinel to all readers and detaches the
// local subscription.
func (f *FanoutChannel) Close(ctx context.Context) error {
	_, err := f.publish(ctx, fanoutPacket{Kind: packetKindClose})
	f.Unsubscribe()
	return err
}

// Unsubscribe detaches the local reader without touching other
// subscribers.
func (f *FanoutChannel) Unsubscribe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		_ = f.sub.Close()
		f.sub = nil
	}
}
