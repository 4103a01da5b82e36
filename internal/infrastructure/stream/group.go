package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

const payloadField = "payload"

// Entry is one stored stream record awaiting acknowledgement.
type Entry struct {
	ID      string
	Payload json.RawMessage
}

// GroupStream is an at-least-once queue over a redis stream with
// consumer groups. Within one group each entry goes to exactly one
// consumer; separate groups each see the full stream.
type GroupStream struct {
	client   *redis.Client
	addr     Address
	group    string
	consumer string
	log      logger.Interface

	created bool
	pending []Entry
}

func NewGroupStream(client *redis.Client, addr Address, group string, log logger.Interface) *GroupStream {
	return &GroupStream{
		client:   client,
		addr:     addr,
		group:    group,
		consumer: uuid.NewString(),
		log:      log,
	}
}

// Address returns the stream's shard-qualified address.
func (g *GroupStream) Address() Address { return g.addr }

// Group returns the consumer group name.
func (g *GroupStream) Group() string { return g.group }

func (g *GroupStream) ensureGroup(ctx context.Context) error {
	if g.created {
		return nil
	}
	// Groups start at the stream tail: a fresh group must not replay
	// entries parked for other groups before it existed.
	err := g.client.XGroupCreateMkStream(ctx, g.addr.Name, g.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group %s on %s: %v", apperrors.ErrTransportUnreachable, g.group, g.addr, err)
	}
	g.created = true
	return nil
}

// Ensure creates the consumer group if it does not exist yet. Writers
// call it before the first append so entries stay pending for the group
// even when no consumer is attached.
func (g *GroupStream) Ensure(ctx context.Context) error {
	return g.ensureGroup(ctx)
}

// Write appends v to the stream, creating this stream's group first so
// the entry is visible to it.
func (g *GroupStream) Write(ctx context.Context, v any) error {
	if err := g.ensureGroup(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal stream payload: %w", err)
	}
	err = g.client.XAdd(ctx, &redis.XAddArgs{
		Stream: g.addr.Name,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: xadd %s: %v", apperrors.ErrTransportUnreachable, g.addr, err)
	}
	return nil
}

// Read blocks for the next unacknowledged entry assigned to this
// consumer, up to timeout (0 means wait on ctx alone). Entries read in
// a batch are buffered and drained before the next network read.
func (g *GroupStream) Read(ctx context.Context, timeout time.Duration) (Entry, error) {
	if len(g.pending) > 0 {
		entry := g.pending[0]
		g.pending = g.pending[1:]
		return entry, nil
	}
	if err := g.ensureGroup(ctx); err != nil {
		return Entry{}, err
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	// Block in short slices so ctx cancellation is honored even on
	// servers that park XREADGROUP indefinitely.
	for {
		if ctx.Err() != nil {
			return Entry{}, ctx.Err()
		}
		block := time.Second
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return Entry{}, apperrors.ErrReadTimeout
			}
			if remaining < block {
				block = remaining
			}
		}

		streams, err := g.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    g.group,
			Consumer: g.consumer,
			Streams:  []string{g.addr.Name, ">"},
			Count:    10,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return Entry{}, ctx.Err()
			}
			return Entry{}, fmt.Errorf("%w: xreadgroup %s: %v", apperrors.ErrTransportUnreachable, g.addr, err)
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				raw, _ := m.Values[payloadField].(string)
				g.pending = append(g.pending, Entry{ID: m.ID, Payload: json.RawMessage(raw)})
			}
		}
		if len(g.pending) > 0 {
			entry := g.pending[0]
			g.pending = g.pending[1:]
			return entry, nil
		}
	}
}

// Ack marks an entry as processed for this group.
func (g *GroupStream) Ack(ctx context.Context, id string) error {
	if err := g.client.XAck(ctx, g.addr.Name, g.group, id).Err(); err != nil {
		return fmt.Errorf("%w: xack %s: %v", apperrors.ErrTransportUnreachable, g.addr, err)
	}
	return nil
}

// Close deregisters this consumer from the group. Unacknowledged
// entries return to the pool for other consumers.
func (g *GroupStream) Close(ctx context.Context) error {
	if !g.created {
		return nil
	}
	if err := g.client.XGroupDelConsumer(ctx, g.addr.Name, g.group, g.consumer).Err(); err != nil {
		return fmt.Errorf("%w: delconsumer %s: %v", apperrors.ErrTransportUnreachable, g.addr, err)
	}
	return nil
}
