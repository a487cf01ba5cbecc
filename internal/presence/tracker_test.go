package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/eventbus"
	"github.com/isqad/livelook-classroom/internal/eventbus/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *eventbus.Eventbus, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	bus := eventbus.RedisPubSub(rdb)
	return NewTracker(rdb, bus), bus, mr
}

func nextPresence(t *testing.T, sub *eventbus.Subscription) *rpc.PresenceRpc {
	t.Helper()

	select {
	case msg := <-sub.Channel():
		r, err := eventbus.Decode(msg)
		require.NoError(t, err)
		p, ok := r.(*rpc.PresenceRpc)
		require.True(t, ok)
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no presence update")
		return nil
	}
}

func TestTrackerJoinLeave(t *testing.T) {
	ctx := context.Background()
	tracker, bus, mr := newTestTracker(t)

	sub, err := bus.SubscribePresence(ctx, "s1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tracker.ViewerJoined(ctx, "s1", "v2"))
	require.NoError(t, tracker.ViewerJoined(ctx, "s1", "v1"))
	// duplicate join is not announced twice
	require.NoError(t, tracker.ViewerJoined(ctx, "s1", "v1"))

	viewers, err := tracker.Viewers(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []core.ViewerID{"v1", "v2"}, viewers)
	assert.True(t, mr.Exists("presence:viewers:s1"))

	assert.Equal(t, "v2", nextPresence(t, sub).Params.ViewerID)
	assert.Equal(t, "v1", nextPresence(t, sub).Params.ViewerID)

	require.NoError(t, tracker.ViewerLeft(ctx, "s1", "v2"))
	left := nextPresence(t, sub)
	assert.Equal(t, rpc.ViewerLeftMethod, left.GetMethod())
	assert.Equal(t, "v2", left.Params.ViewerID)

	require.NoError(t, tracker.ViewerLeft(ctx, "s1", "unknown"))

	viewers, err = tracker.Viewers(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []core.ViewerID{"v1"}, viewers)
}

func TestTrackerReset(t *testing.T) {
	ctx := context.Background()
	tracker, bus, mr := newTestTracker(t)

	require.NoError(t, tracker.ViewerJoined(ctx, "s1", "v1"))
	require.NoError(t, tracker.ViewerJoined(ctx, "s2", "v1"))

	sub, err := bus.SubscribePresence(ctx, "s1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tracker.Reset(ctx, "s1"))
	assert.False(t, mr.Exists("presence:viewers:s1"))
	assert.True(t, mr.Exists("presence:viewers:s2"))

	left := nextPresence(t, sub)
	assert.Equal(t, rpc.ViewerLeftMethod, left.GetMethod())

	viewers, err := tracker.Viewers(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, viewers)
}

func TestTrackerRedisDown(t *testing.T) {
	tracker, _, mr := newTestTracker(t)
	mr.Close()

	assert.Error(t, tracker.ViewerJoined(context.Background(), "s1", "v1"))
	_, err := tracker.Viewers(context.Background(), "s1")
	assert.Error(t, err)
}
