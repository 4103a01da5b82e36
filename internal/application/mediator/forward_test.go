package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hermes-inc/hermes/internal/domain/registry"
	"github.com/hermes-inc/hermes/internal/infrastructure/cache"
	"github.com/hermes-inc/hermes/internal/infrastructure/migration"
	"github.com/hermes-inc/hermes/internal/infrastructure/push"
	"github.com/hermes-inc/hermes/internal/infrastructure/repository"
	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	"github.com/hermes-inc/hermes/internal/shared/envelope"
	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

func newKeyPair(t *testing.T, fill byte) *envelope.KeyPair {
	t.Helper()
	kp, err := envelope.KeyPairFromSeed(bytes.Repeat([]byte{fill}, 32))
	require.NoError(t, err)
	return kp
}

type routerFixture struct {
	router   *Router
	registry *repository.RegistryRepository
	pickups  *PickupRegistry
	pool     *stream.Pool
	engine   *push.Engine
	keys     *envelope.KeyPair
	shard    string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := stream.NewPool([]string{mr.Addr()}, "", logger.NewLogger())
	t.Cleanup(pool.Close)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, migration.NewManager(db, logger.NewLogger()).Run())

	kv := cache.NewWithBackend(cache.NewMemoryBackend(), 60, logger.NewLogger())
	reg := repository.NewRegistryRepository(db, kv, logger.NewLogger())

	keys := newKeyPair(t, 0x11)
	engine := push.NewEngine(pool, reg, 200*time.Millisecond, true, logger.NewLogger())
	pickups := NewPickupRegistry()
	router := NewRouter(keys, reg, pool, engine, nil, pickups, logger.NewLogger())
	return &routerFixture{
		router:   router,
		registry: reg,
		pickups:  pickups,
		pool:     pool,
		engine:   engine,
		keys:     keys,
		shard:    mr.Addr(),
	}
}

func strRef(s string) *string { return &s }

func TestWrapForwardOnion(t *testing.T) {
	sender := newKeyPair(t, 0x21)
	recipient := newKeyPair(t, 0x22)
	mediator := newKeyPair(t, 0x23)

	inner := []byte(`{"@type":"https://didcomm.org/trust_ping/1.0/ping","@id":"p1"}`)
	packed, err := WrapForward(inner, recipient.VerkeyB58, []string{mediator.VerkeyB58}, sender)
	require.NoError(t, err)

	// The outer layer opens with the mediator key and names the next hop.
	raw, senderVK, _, err := envelope.Unpack(packed, mediator)
	require.NoError(t, err)
	assert.Empty(t, senderVK)

	var fwd Forward
	require.NoError(t, json.Unmarshal(raw, &fwd))
	assert.Equal(t, TypeForward, fwd.Type)
	assert.Equal(t, recipient.VerkeyB58, fwd.To)

	// The inner layer opens only with the recipient key.
	got, senderVK, _, err := envelope.Unpack(fwd.Msg, recipient)
	require.NoError(t, err)
	assert.Equal(t, inner, got)
	assert.Equal(t, sender.VerkeyB58, senderVK)
}

func TestRouteToUnknownRecipient(t *testing.T) {
	f := newRouterFixture(t)
	_, err := f.router.RouteTo(context.Background(), "no-such-key", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestRouteToPickupQueue(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	recipient := newKeyPair(t, 0x31)

	require.NoError(t, f.registry.EnsureEndpoint(ctx, "ep-pickup", registry.EndpointUpdate{
		Verkey: strRef(recipient.VerkeyB58),
	}))
	queue := f.pickups.Enable("ep-pickup")

	msg := json.RawMessage(`{"protected":"inner"}`)
	status, err := f.router.RouteTo(ctx, recipient.VerkeyB58, msg)
	require.NoError(t, err)
	assert.Equal(t, DeliveryAccepted, status)

	batch := queue.Batch(ctx, 1, time.Second)
	require.Len(t, batch, 1)
	assert.JSONEq(t, string(msg), string(batch[0].Payload))
}

func TestRouteParksOnDurableStream(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	recipient := newKeyPair(t, 0x32)

	addr := stream.Address{Shard: f.shard, Name: "ep-offline"}
	require.NoError(t, f.registry.EnsureEndpoint(ctx, "ep-offline", registry.EndpointUpdate{
		Verkey:               strRef(recipient.VerkeyB58),
		ForwardStreamAddress: strRef(addr.String()),
	}))

	msg := json.RawMessage(`{"protected":"parked"}`)
	status, err := f.router.RouteTo(ctx, recipient.VerkeyB58, msg)
	require.NoError(t, err)
	assert.Equal(t, DeliveryParked, status)

	// The unacked push request is the parked entry: a consumer that
	// attaches later claims it with the original message inside.
	consumer := f.pool.Group(addr, DefaultGroup("ep-offline"))
	entry, err := consumer.Read(ctx, time.Second)
	require.NoError(t, err)
	var request push.Request
	require.NoError(t, json.Unmarshal(entry.Payload, &request))
	assert.Equal(t, push.TypePush, request.Type)
	assert.JSONEq(t, string(msg), string(request.Message))
}

func TestRouteResolvesByRoutingKey(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	addr := stream.Address{Shard: f.shard, Name: "ep-chained"}
	require.NoError(t, f.registry.EnsureEndpoint(ctx, "ep-chained", registry.EndpointUpdate{
		ForwardStreamAddress: strRef(addr.String()),
	}))
	_, err := f.registry.AddRoutingKey(ctx, "ep-chained", "routing-key-1")
	require.NoError(t, err)

	queue := f.pickups.Enable("ep-chained")
	status, err := f.router.RouteTo(ctx, "routing-key-1", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, DeliveryAccepted, status)
	assert.Equal(t, 1, queue.Len())
}

func TestRouteFullOnion(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	sender := newKeyPair(t, 0x41)
	recipient := newKeyPair(t, 0x42)

	require.NoError(t, f.registry.EnsureEndpoint(ctx, "ep-full", registry.EndpointUpdate{
		Verkey: strRef(recipient.VerkeyB58),
	}))
	queue := f.pickups.Enable("ep-full")

	inner := []byte(`{"@type":"https://didcomm.org/trust_ping/1.0/ping","@id":"42"}`)
	packed, err := WrapForward(inner, recipient.VerkeyB58, []string{f.keys.VerkeyB58}, sender)
	require.NoError(t, err)

	status, err := f.router.Route(ctx, packed)
	require.NoError(t, err)
	assert.Equal(t, DeliveryAccepted, status)

	batch := queue.Batch(ctx, 1, time.Second)
	require.Len(t, batch, 1)

	got, _, _, err := envelope.Unpack(batch[0].Payload, recipient)
	require.NoError(t, err)
	assert.Equal(t, inner, got)
}

func TestRouteRelaysEncryptedByRoutingKey(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	sender := newKeyPair(t, 0x43)
	routing := newKeyPair(t, 0x44)

	require.NoError(t, f.registry.EnsureEndpoint(ctx, "ep-relay", registry.EndpointUpdate{}))
	_, err := f.registry.AddRoutingKey(ctx, "ep-relay", routing.VerkeyB58)
	require.NoError(t, err)
	queue := f.pickups.Enable("ep-relay")

	// Packed for the routing key, not for the mediator: the envelope
	// must pass through still encrypted, byte for byte.
	packed, err := envelope.Pack([]byte(`{"@type":"https://didcomm.org/trust_ping/1.0/ping","@id":"7"}`), []string{routing.VerkeyB58}, sender)
	require.NoError(t, err)

	status, err := f.router.Route(ctx, packed)
	require.NoError(t, err)
	assert.Equal(t, DeliveryAccepted, status)

	batch := queue.Batch(ctx, 1, time.Second)
	require.Len(t, batch, 1)
	assert.Equal(t, string(packed), string(batch[0].Payload))
}

func TestRouteRejectsNonForward(t *testing.T) {
	f := newRouterFixture(t)
	sender := newKeyPair(t, 0x51)

	packed, err := envelope.Pack([]byte(`{"@type":"https://didcomm.org/trust_ping/1.0/ping","@id":"1"}`), []string{f.keys.VerkeyB58}, sender)
	require.NoError(t, err)

	_, err = f.router.Route(context.Background(), packed)
	assert.Error(t, err)
}

func TestRouteUnroutableEnvelope(t *testing.T) {
	f := newRouterFixture(t)
	sender := newKeyPair(t, 0x52)
	stranger := newKeyPair(t, 0x53)

	packed, err := envelope.Pack([]byte(`{"@type":"https://didcomm.org/trust_ping/1.0/ping","@id":"2"}`), []string{stranger.VerkeyB58}, sender)
	require.NoError(t, err)

	_, err = f.router.Route(context.Background(), packed)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestDeliverParkedWithoutWake(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.EnsureEndpoint(ctx, "ep-dark", registry.EndpointUpdate{}))
	endpoint, err := f.registry.LoadEndpoint(ctx, "ep-dark")
	require.NoError(t, err)

	status, err := f.router.Deliver(ctx, endpoint, json.RawMessage(`{"protected":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, DeliveryParked, status)

	// The delivery attempt assigned a stream address so the message
	// could park.
	endpoint, err = f.registry.LoadEndpoint(ctx, "ep-dark")
	require.NoError(t, err)
	assert.NotEmpty(t, endpoint.ForwardStreamAddress)
}

func TestDeliverNeedsFCMWhenUnconfigured(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	sender, err := push.NewFCMSender("", f.pool, logger.NewLogger())
	require.NoError(t, err)
	router := NewRouter(f.keys, f.registry, f.pool, f.engine, sender, f.pickups, logger.NewLogger())

	addr := stream.Address{Shard: f.shard, Name: "ep-token"}
	require.NoError(t, f.registry.EnsureEndpoint(ctx, "ep-token", registry.EndpointUpdate{
		ForwardStreamAddress: strRef(addr.String()),
		FCMDeviceID:          strRef("real-device-token"),
	}))
	endpoint, err := f.registry.LoadEndpoint(ctx, "ep-token")
	require.NoError(t, err)

	status, err := router.Deliver(ctx, endpoint, json.RawMessage(`{"protected":"y"}`))
	require.NoError(t, err)
	assert.Equal(t, DeliveryNeedsFCM, status)
}

func TestDeliverWakesLoopbackDevice(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	sender, err := push.NewFCMSender("", f.pool, logger.NewLogger())
	require.NoError(t, err)
	router := NewRouter(f.keys, f.registry, f.pool, f.engine, sender, f.pickups, logger.NewLogger())

	device := stream.Address{Shard: f.shard, Name: "wake-inbox"}
	reader := f.pool.Fanout(device)
	require.NoError(t, reader.Subscribe(ctx))
	defer reader.Unsubscribe()

	addr := stream.Address{Shard: f.shard, Name: "ep-sleepy"}
	require.NoError(t, f.registry.EnsureEndpoint(ctx, "ep-sleepy", registry.EndpointUpdate{
		ForwardStreamAddress: strRef(addr.String()),
		FCMDeviceID:          strRef(device.String()),
	}))
	endpoint, err := f.registry.LoadEndpoint(ctx, "ep-sleepy")
	require.NoError(t, err)

	msg := json.RawMessage(`{"protected":"wake"}`)
	status, err := router.Deliver(ctx, endpoint, msg)
	require.NoError(t, err)
	assert.Equal(t, DeliveryWokenFCM, status)

	body, err := reader.Read(ctx, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, string(msg), string(body))
}
