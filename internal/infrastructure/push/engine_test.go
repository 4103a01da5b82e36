package push

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermes-inc/hermes/internal/domain/registry"
	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

type fakeLoader struct {
	mu        sync.Mutex
	endpoints map[string]*registry.Endpoint
	loads     int
}

func (f *fakeLoader) LoadEndpoint(_ context.Context, uid string) (*registry.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return f.endpoints[uid], nil
}

func newTestEngine(t *testing.T) (*Engine, *stream.Pool, *fakeLoader, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := stream.NewPool([]string{mr.Addr()}, "", logger.NewLogger())
	t.Cleanup(pool.Close)

	loader := &fakeLoader{endpoints: map[string]*registry.Endpoint{}}
	engine := NewEngine(pool, loader, 500*time.Millisecond, true, logger.NewLogger())
	return engine, pool, loader, mr
}

// runConsumer claims push requests from the endpoint's default group
// and acks them on the reverse channel until ctx ends.
func runConsumer(ctx context.Context, t *testing.T, engine *Engine, pool *stream.Pool, forward stream.Address, uid string, status bool) {
	t.Helper()
	group := pool.Group(forward, DefaultGroup(uid))
	require.NoError(t, group.Ensure(ctx))

	go func() {
		for {
			entry, err := group.Read(ctx, 0)
			if err != nil {
				return
			}
			var request Request
			if err := json.Unmarshal(entry.Payload, &request); err != nil || request.Type != TypePush {
				_ = group.Ack(ctx, entry.ID)
				continue
			}
			_ = group.Ack(ctx, entry.ID)
			_ = engine.Respond(ctx, request, status)
		}
	}()
}

func TestPushDeliversAndAcks(t *testing.T) {
	engine, pool, loader, mr := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forward := stream.Address{Shard: mr.Addr(), Name: "endpoint-1"}
	loader.endpoints["endpoint-1"] = &registry.Endpoint{
		UID:                  "endpoint-1",
		ForwardStreamAddress: forward.String(),
	}
	runConsumer(ctx, t, engine, pool, forward, "endpoint-1", true)

	delivered, err := engine.Push(ctx, "endpoint-1", json.RawMessage(`{"protected":"abc"}`))
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestPushNoConsumerParksRequest(t *testing.T) {
	engine, pool, loader, mr := newTestEngine(t)
	ctx := context.Background()

	forward := stream.Address{Shard: mr.Addr(), Name: "endpoint-2"}
	loader.endpoints["endpoint-2"] = &registry.Endpoint{
		UID:                  "endpoint-2",
		ForwardStreamAddress: forward.String(),
	}

	delivered, err := engine.Push(ctx, "endpoint-2", json.RawMessage(`{"protected":"later"}`))
	require.NoError(t, err)
	assert.False(t, delivered)

	// The unacked request stayed on the stream: a consumer attaching
	// afterwards still claims it.
	group := pool.Group(forward, DefaultGroup("endpoint-2"))
	entry, err := group.Read(ctx, time.Second)
	require.NoError(t, err)
	var request Request
	require.NoError(t, json.Unmarshal(entry.Payload, &request))
	assert.Equal(t, TypePush, request.Type)
	assert.JSONEq(t, `{"protected":"later"}`, string(request.Message))
}

func TestPushUnknownEndpoint(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	delivered, err := engine.Push(context.Background(), "nobody", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestPushNegativeAck(t *testing.T) {
	engine, pool, loader, mr := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forward := stream.Address{Shard: mr.Addr(), Name: "endpoint-3"}
	loader.endpoints["endpoint-3"] = &registry.Endpoint{
		UID:                  "endpoint-3",
		ForwardStreamAddress: forward.String(),
	}
	runConsumer(ctx, t, engine, pool, forward, "endpoint-3", false)

	delivered, err := engine.Push(ctx, "endpoint-3", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestPushCachesResolvedAddress(t *testing.T) {
	engine, pool, loader, mr := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forward := stream.Address{Shard: mr.Addr(), Name: "endpoint-4"}
	loader.endpoints["endpoint-4"] = &registry.Endpoint{
		UID:                  "endpoint-4",
		ForwardStreamAddress: forward.String(),
	}
	runConsumer(ctx, t, engine, pool, forward, "endpoint-4", true)

	for i := 0; i < 3; i++ {
		delivered, err := engine.Push(ctx, "endpoint-4", json.RawMessage(`{}`))
		require.NoError(t, err)
		require.True(t, delivered)
	}

	loader.mu.Lock()
	loads := loader.loads
	loader.mu.Unlock()
	assert.Equal(t, 1, loads)
}

func TestPushWaitsAtMostOneTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := stream.NewPool([]string{mr.Addr()}, "", logger.NewLogger())
	t.Cleanup(pool.Close)

	forward := stream.Address{Shard: mr.Addr(), Name: "endpoint-5"}
	loader := &fakeLoader{endpoints: map[string]*registry.Endpoint{
		"endpoint-5": {UID: "endpoint-5", ForwardStreamAddress: forward.String()},
	}}
	ttl := 300 * time.Millisecond
	engine := NewEngine(pool, loader, ttl, true, logger.NewLogger())

	started := time.Now()
	delivered, err := engine.Push(context.Background(), "endpoint-5", json.RawMessage(`{}`))
	elapsed := time.Since(started)
	require.NoError(t, err)
	assert.False(t, delivered)
	// A timed-out wait must not trigger a second full wait on the
	// cache-bypass pass.
	assert.Less(t, elapsed, 2*ttl)
}

func TestReverseChannelDeterministic(t *testing.T) {
	engine, _, _, mr := newTestEngine(t)
	ctx := context.Background()
	forward := stream.Address{Shard: mr.Addr(), Name: "endpoint-6"}

	// Collocated mode reuses the forward address, so concurrent
	// pushers to the same endpoint share one reverse channel.
	first, err := engine.reverseAddress(ctx, forward)
	require.NoError(t, err)
	second, err := engine.reverseAddress(ctx, forward)
	require.NoError(t, err)
	assert.Equal(t, forward, first)
	assert.Equal(t, first, second)
}

func TestReverseChannelHashedWhenNotCollocated(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := stream.NewPool([]string{mr.Addr()}, "", logger.NewLogger())
	t.Cleanup(pool.Close)
	engine := NewEngine(pool, &fakeLoader{}, time.Second, false, logger.NewLogger())

	forward := stream.Address{Shard: "other:6379", Name: "endpoint-7"}
	first, err := engine.reverseAddress(context.Background(), forward)
	require.NoError(t, err)
	second, err := engine.reverseAddress(context.Background(), forward)
	require.NoError(t, err)

	assert.Equal(t, first.Name, second.Name)
	assert.NotEqual(t, forward.Name, first.Name)
	assert.Len(t, first.Name, 64)
	assert.Equal(t, mr.Addr(), first.Shard)
}

func TestFCMLoopbackDevice(t *testing.T) {
	_, pool, _, mr := newTestEngine(t)
	ctx := context.Background()

	sender, err := NewFCMSender("", pool, logger.NewLogger())
	require.NoError(t, err)

	device := stream.Address{Shard: mr.Addr(), Name: "device-inbox"}
	reader := pool.Fanout(device)
	require.NoError(t, reader.Subscribe(ctx))
	defer reader.Unsubscribe()

	require.NoError(t, sender.Send(ctx, device.String(), json.RawMessage(`{"wake":"up"}`)))

	body, err := reader.Read(ctx, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"wake":"up"}`, string(body))
}

func TestFCMUnconfigured(t *testing.T) {
	_, pool, _, _ := newTestEngine(t)

	sender, err := NewFCMSender("", pool, logger.NewLogger())
	require.NoError(t, err)

	assert.True(t, sender.Available("redis://127.0.0.1:6379/loopback"))
	assert.False(t, sender.Available("real-device-token"))

	err = sender.Send(context.Background(), "real-device-token", json.RawMessage(`{}`))
	assert.Error(t, err)
}
