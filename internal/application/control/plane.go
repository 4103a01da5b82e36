// Package control is the cross-node control plane: nodes broadcast
// operational events (settings reload, cache flush) over a well-known
// fanout channel on every shard and deduplicate on a marker, so an
// event is applied exactly once per node no matter how many shards
// carried it.
package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/goroutine"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

// EventReload asks every node to re-read the global settings.
const EventReload = "reload"

const (
	channelName  = "hermes/control"
	markerWindow = 5 * time.Minute
)

// Event is the broadcast frame.
type Event struct {
	Event  string `json:"event"`
	Marker string `json:"marker"`
}

// Handler reacts to one event kind.
type Handler func(ctx context.Context, event Event)

// Plane listens on every shard's control channel and dispatches
// deduplicated events to registered handlers.
type Plane struct {
	pool *stream.Pool
	log  logger.Interface

	mu       sync.Mutex
	seen     map[string]time.Time
	handlers map[string][]Handler
	channels []*stream.FanoutChannel
	cancel   context.CancelFunc
}

func NewPlane(pool *stream.Pool, log logger.Interface) *Plane {
	return &Plane{
		pool:     pool,
		log:      log.Named("control"),
		seen:     make(map[string]time.Time),
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for one event kind. Register before Start.
func (p *Plane) On(event string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[event] = append(p.handlers[event], h)
}

// Start subscribes to the control channel on every shard.
func (p *Plane) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for _, shard := range p.pool.Shards() {
		channel := p.pool.Fanout(stream.Address{Shard: shard, Name: channelName})
		if err := channel.Subscribe(ctx); err != nil {
			// A dead shard must not keep the whole plane down.
			p.log.Warnw("control channel unavailable", "shard", shard, "error", err)
			continue
		}
		p.mu.Lock()
		p.channels = append(p.channels, channel)
		p.mu.Unlock()

		goroutine.SafeGo(p.log, "control-listener", func() {
			p.listen(runCtx, channel)
		})
	}
	return nil
}

func (p *Plane) listen(ctx context.Context, channel *stream.FanoutChannel) {
	for {
		body, err := channel.Read(ctx, 0)
		if err != nil {
			if ctx.Err() == nil && err != apperrors.ErrChannelClosed {
				p.log.Debugw("control listener stopped", "error", err)
			}
			return
		}
		var event Event
		if err := json.Unmarshal(body, &event); err != nil || event.Event == "" || event.Marker == "" {
			continue
		}
		if !p.firstSighting(event.Marker) {
			continue
		}

		p.mu.Lock()
		handlers := append([]Handler(nil), p.handlers[event.Event]...)
		p.mu.Unlock()
		for _, h := range handlers {
			h(ctx, event)
		}
	}
}

// firstSighting records the marker and reports whether it was new.
// Markers older than the window are pruned.
func (p *Plane) firstSighting(marker string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for m, at := range p.seen {
		if now.Sub(at) > markerWindow {
			delete(p.seen, m)
		}
	}
	if _, ok := p.seen[marker]; ok {
		return false
	}
	p.seen[marker] = now
	return true
}

// Broadcast publishes an event to every reachable shard. The local node
// receives it through its own subscriptions like everyone else.
func (p *Plane) Broadcast(ctx context.Context, eventName string) error {
	event := Event{Event: eventName, Marker: uuid.NewString()}

	var lastErr error
	delivered := false
	for _, shard := range p.pool.Shards() {
		channel := p.pool.Fanout(stream.Address{Shard: shard, Name: channelName})
		if _, err := channel.Write(ctx, event); err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if !delivered {
		return lastErr
	}
	return nil
}

// Stop detaches all listeners.
func (p *Plane) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	channels := p.channels
	p.channels = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, channel := range channels {
		channel.Unsubscribe()
	}
}
