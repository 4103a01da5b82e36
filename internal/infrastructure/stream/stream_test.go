package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

func newTestPool(t *testing.T) (*Pool, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := NewPool([]string{mr.Addr()}, "", logger.NewLogger())
	t.Cleanup(pool.Close)
	return pool, mr
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("redis://redis1:6379/endpoint-abc")
	require.NoError(t, err)
	assert.Equal(t, "redis1:6379", addr.Shard)
	assert.Equal(t, "endpoint-abc", addr.Name)
	assert.Equal(t, "redis://redis1:6379/endpoint-abc", addr.String())

	bare, err := ParseAddress("redis2:6379")
	require.NoError(t, err)
	assert.Equal(t, "redis2:6379", bare.Shard)
	assert.Empty(t, bare.Name)

	_, err = ParseAddress("redis://")
	assert.Error(t, err)
}

func TestRingStableAssignment(t *testing.T) {
	shards := []string{"redis1:6379", "redis2:6379", "redis3:6379"}
	first := NewRing(shards)
	second := NewRing(shards)

	for _, topic := range []string{"did-a/binding-1", "did-b/binding-2", "endpoint-xyz"} {
		assert.Equal(t, first.Locate(topic), second.Locate(topic), "topic %s", topic)
	}
}

func TestChooseShardPrefersReachable(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := NewPool([]string{"127.0.0.1:1", mr.Addr()}, "", logger.NewLogger())
	defer pool.Close()

	for i := 0; i < 5; i++ {
		shard, err := pool.ChooseShard(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, mr.Addr(), shard)
	}
}

func TestChooseShardExcludedStillUsableAlone(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := NewPool([]string{"127.0.0.1:1", mr.Addr()}, "", logger.NewLogger())
	defer pool.Close()

	shard, err := pool.ChooseShard(context.Background(), mr.Addr())
	require.NoError(t, err)
	assert.Equal(t, mr.Addr(), shard)
}

func TestChooseShardNoneReachable(t *testing.T) {
	pool := NewPool([]string{"127.0.0.1:1", "127.0.0.1:2"}, "", logger.NewLogger())
	defer pool.Close()

	_, err := pool.ChooseShard(context.Background(), "")
	assert.ErrorIs(t, err, apperrors.ErrNoReachableShard)
}

func TestFanoutBroadcast(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()
	addr := pool.TopicAddress("fanout-topic")

	readerA := pool.Fanout(addr)
	readerB := pool.Fanout(addr)
	require.NoError(t, readerA.Subscribe(ctx))
	require.NoError(t, readerB.Subscribe(ctx))
	defer readerA.Unsubscribe()
	defer readerB.Unsubscribe()

	writer := pool.Fanout(addr)
	reached, err := writer.Write(ctx, map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.Equal(t, 2, reached)

	for _, reader := range []*FanoutChannel{readerA, readerB} {
		body, err := reader.Read(ctx, time.Second)
		require.NoError(t, err)
		var got map[string]string
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "world", got["hello"])
	}
}

func TestFanoutReadTimeout(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	reader := pool.Fanout(pool.TopicAddress("quiet-topic"))
	require.NoError(t, reader.Subscribe(ctx))
	defer reader.Unsubscribe()

	_, err := reader.Read(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, apperrors.ErrReadTimeout)
}

func TestFanoutClose(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()
	addr := pool.TopicAddress("closing-topic")

	reader := pool.Fanout(addr)
	require.NoError(t, reader.Subscribe(ctx))
	defer reader.Unsubscribe()

	writer := pool.Fanout(addr)
	require.NoError(t, writer.Close(ctx))

	_, err := reader.Read(ctx, time.Second)
	assert.ErrorIs(t, err, apperrors.ErrChannelClosed)
}

func TestGroupStreamSingleDeliveryPerGroup(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()
	addr := pool.TopicAddress("queue-topic")

	producer := pool.Group(addr, "workers")
	for i := 0; i < 3; i++ {
		require.NoError(t, producer.Write(ctx, map[string]int{"seq": i}))
	}

	consumer := pool.Group(addr, "workers")
	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		entry, err := consumer.Read(ctx, time.Second)
		require.NoError(t, err)
		var body map[string]int
		require.NoError(t, json.Unmarshal(entry.Payload, &body))
		seen[body["seq"]] = true
		require.NoError(t, consumer.Ack(ctx, entry.ID))
	}
	assert.Len(t, seen, 3)

	// Same group: everything already claimed and acked.
	sibling := pool.Group(addr, "workers")
	_, err := sibling.Read(ctx, 100*time.Millisecond)
	assert.ErrorIs(t, err, apperrors.ErrReadTimeout)

	require.NoError(t, consumer.Close(ctx))
	require.NoError(t, sibling.Close(ctx))
}

func TestGroupStreamIndependentGroups(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()
	addr := pool.TopicAddress("multi-group-topic")

	consumerA := pool.Group(addr, "group-a")
	consumerB := pool.Group(addr, "group-b")
	require.NoError(t, consumerA.Ensure(ctx))
	require.NoError(t, consumerB.Ensure(ctx))

	producer := pool.Group(addr, "group-a")
	require.NoError(t, producer.Write(ctx, map[string]string{"payload": "x"}))

	entryA, err := consumerA.Read(ctx, time.Second)
	require.NoError(t, err)

	entryB, err := consumerB.Read(ctx, time.Second)
	require.NoError(t, err)

	assert.JSONEq(t, string(entryA.Payload), string(entryB.Payload))
}

func TestGroupStreamLateGroupSkipsHistory(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()
	addr := pool.TopicAddress("history-topic")

	producer := pool.Group(addr, "settled")
	for i := 0; i < 3; i++ {
		require.NoError(t, producer.Write(ctx, map[string]int{"seq": i}))
	}

	// A group created after the entries were appended starts at the
	// stream tail and never replays them.
	late := pool.Group(addr, "latecomer")
	_, err := late.Read(ctx, 100*time.Millisecond)
	assert.ErrorIs(t, err, apperrors.ErrReadTimeout)

	// Entries appended after the group exists are delivered.
	require.NoError(t, pool.Group(addr, "latecomer").Write(ctx, map[string]int{"seq": 99}))
	entry, err := late.Read(ctx, time.Second)
	require.NoError(t, err)
	var body map[string]int
	require.NoError(t, json.Unmarshal(entry.Payload, &body))
	assert.Equal(t, 99, body["seq"])
}

func TestGroupStreamOrdering(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()
	addr := pool.TopicAddress("ordered-topic")

	producer := pool.Group(addr, "fifo")
	for i := 0; i < 5; i++ {
		require.NoError(t, producer.Write(ctx, map[string]int{"seq": i}))
	}

	consumer := pool.Group(addr, "fifo")
	for i := 0; i < 5; i++ {
		entry, err := consumer.Read(ctx, time.Second)
		require.NoError(t, err)
		var body map[string]int
		require.NoError(t, json.Unmarshal(entry.Payload, &body))
		assert.Equal(t, i, body["seq"])
		require.NoError(t, consumer.Ack(ctx, entry.ID))
	}
}
