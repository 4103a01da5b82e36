package mediator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

func TestCastBindingIDFromThid(t *testing.T) {
	cast := Cast{Thid: "thread-42"}
	id, err := cast.BindingID()
	require.NoError(t, err)
	assert.Equal(t, "thread-42", id)
}

func TestCastBindingIDDeterministic(t *testing.T) {
	first := Cast{
		SenderVK:  []string{"vk-b", "vk-a"},
		Protocols: []string{"https://didcomm.org/trust_ping/1.0"},
	}
	second := Cast{
		SenderVK:  []string{"vk-a", "vk-b"},
		Protocols: []string{"https://didcomm.org/trust_ping/1.0"},
	}
	firstID, err := first.BindingID()
	require.NoError(t, err)
	secondID, err := second.BindingID()
	require.NoError(t, err)
	assert.Equal(t, firstID, secondID)

	other := Cast{Protocols: []string{"https://didcomm.org/basicmessage/1.0"}}
	otherID, err := other.BindingID()
	require.NoError(t, err)
	assert.NotEqual(t, firstID, otherID)
}

func TestCastWithoutProtocolsInvalid(t *testing.T) {
	cast := Cast{RecipientVK: []string{"vk-1"}}
	_, err := cast.BindingID()
	assert.Error(t, err)
}

func TestBusTopicScopedByOwner(t *testing.T) {
	bus := NewBus(nil, logger.NewLogger())
	assert.NotEqual(t, bus.Topic("did-a", "thid-1"), bus.Topic("did-b", "thid-1"))
}

func TestBusPublishReachesSubscribers(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := stream.NewPool([]string{mr.Addr()}, "", logger.NewLogger())
	defer pool.Close()

	bus := NewBus(pool, logger.NewLogger())
	ctx := context.Background()

	listener := bus.Channel("did-owner", "binding-1")
	require.NoError(t, listener.Subscribe(ctx))
	defer listener.Unsubscribe()

	payload := base64.StdEncoding.EncodeToString([]byte("packed-envelope"))
	reached, err := bus.Publish(ctx, "did-owner", "binding-1", payload)
	require.NoError(t, err)
	assert.Equal(t, 1, reached)

	body, err := listener.Read(ctx, time.Second)
	require.NoError(t, err)
	var frame struct {
		Payload string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(body, &frame))
	assert.Equal(t, payload, frame.Payload)
}

func TestBusPublishRejectsBadPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := stream.NewPool([]string{mr.Addr()}, "", logger.NewLogger())
	defer pool.Close()

	bus := NewBus(pool, logger.NewLogger())
	_, err := bus.Publish(context.Background(), "did-owner", "binding-1", "not base64!!")
	assert.Error(t, err)
}
