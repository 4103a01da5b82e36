package control

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

func TestBroadcastReachesOtherNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	poolA := stream.NewPool([]string{mr.Addr()}, "", logger.NewLogger())
	poolB := stream.NewPool([]string{mr.Addr()}, "", logger.NewLogger())
	defer poolA.Close()
	defer poolB.Close()
	ctx := context.Background()

	var fired atomic.Int32
	nodeB := NewPlane(poolB, logger.NewLogger())
	nodeB.On(EventReload, func(context.Context, Event) { fired.Add(1) })
	require.NoError(t, nodeB.Start(ctx))
	defer nodeB.Stop()

	nodeA := NewPlane(poolA, logger.NewLogger())
	require.NoError(t, nodeA.Start(ctx))
	defer nodeA.Stop()

	require.NoError(t, nodeA.Broadcast(ctx, EventReload))

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestDuplicateMarkersFireOnce(t *testing.T) {
	mrA := miniredis.RunT(t)
	mrB := miniredis.RunT(t)
	shards := []string{mrA.Addr(), mrB.Addr()}

	pool := stream.NewPool(shards, "", logger.NewLogger())
	defer pool.Close()
	ctx := context.Background()

	var fired atomic.Int32
	node := NewPlane(pool, logger.NewLogger())
	node.On(EventReload, func(context.Context, Event) { fired.Add(1) })
	require.NoError(t, node.Start(ctx))
	defer node.Stop()

	// The broadcast lands on both shards; the marker collapses it to
	// one application.
	require.NoError(t, node.Broadcast(ctx, EventReload))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestBroadcastSurvivesDeadShard(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := stream.NewPool([]string{"127.0.0.1:1", mr.Addr()}, "", logger.NewLogger())
	defer pool.Close()
	ctx := context.Background()

	var fired atomic.Int32
	node := NewPlane(pool, logger.NewLogger())
	node.On(EventReload, func(context.Context, Event) { fired.Add(1) })
	require.NoError(t, node.Start(ctx))
	defer node.Stop()

	require.NoError(t, node.Broadcast(ctx, EventReload))
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 20*time.Millisecond)
}
