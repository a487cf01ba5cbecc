package broadcast

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/signaling"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopLiveLeavesNothingInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, signaling.NewRedisStore(rdb, "sig"))
	f.peers.LocalCandidates = []webrtc.ICECandidateInit{{Candidate: "candidate:host"}}
	f.goLive(NewMockMedia(t))

	f.answer("v1", "answer-v1")
	v1 := f.peerFor("answer-v1")
	_, err := f.store.AppendChild(context.Background(), signaling.ViewerCandidatesPath(testSessionID, "v1"), "", webrtc.ICECandidateInit{Candidate: "candidate:v1"})
	require.NoError(t, err)
	_, err = f.session.SendChat(context.Background(), core.ChatMessage{Text: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(v1.RemoteCandidates()) == 1 }, waitFor, tick)

	require.NoError(t, f.session.StopLive(context.Background()))

	for _, key := range mr.Keys() {
		assert.False(t, strings.Contains(key, string(testSessionID)), key)
	}
}
