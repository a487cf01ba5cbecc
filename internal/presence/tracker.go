// Package presence keeps the set of viewers connected to each live session
package presence

import (
	"context"
	"sort"

	"github.com/go-redis/redis/v8"
	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/eventbus"
	"github.com/isqad/livelook-classroom/internal/eventbus/rpc"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "presence:viewers:"

// Tracker stores viewers in a redis set per session and announces changes
// on the presence:{sessionId} channel
type Tracker struct {
	rdb       *redis.Client
	publisher eventbus.Publisher
}

func NewTracker(rdb *redis.Client, publisher eventbus.Publisher) *Tracker {
	return &Tracker{rdb: rdb, publisher: publisher}
}

func viewersKey(sessionID core.SessionID) string {
	return keyPrefix + string(sessionID)
}

func (t *Tracker) ViewerJoined(ctx context.Context, sessionID core.SessionID, viewerID core.ViewerID) error {
	var added *redis.IntCmd
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, viewersKey(sessionID), string(viewerID))
		return nil
	})
	if err != nil {
		return err
	}

	if added.Val() == 0 {
		return nil
	}
	return t.announce(ctx, sessionID, rpc.NewViewerJoinedRpc(string(sessionID), string(viewerID)))
}

func (t *Tracker) ViewerLeft(ctx context.Context, sessionID core.SessionID, viewerID core.ViewerID) error {
	var removed *redis.IntCmd
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, viewersKey(sessionID), string(viewerID))
		return nil
	})
	if err != nil {
		return err
	}

	if removed.Val() == 0 {
		return nil
	}
	return t.announce(ctx, sessionID, rpc.NewViewerLeftRpc(string(sessionID), string(viewerID)))
}

// Viewers returns the connected viewers sorted by ID
func (t *Tracker) Viewers(ctx context.Context, sessionID core.SessionID) ([]core.ViewerID, error) {
	members, err := t.rdb.SMembers(ctx, viewersKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)

	viewers := make([]core.ViewerID, 0, len(members))
	for _, m := range members {
		viewers = append(viewers, core.ViewerID(m))
	}
	return viewers, nil
}

// Reset forgets every viewer of the session, announcing each departure
func (t *Tracker) Reset(ctx context.Context, sessionID core.SessionID) error {
	viewers, err := t.Viewers(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := t.rdb.Del(ctx, viewersKey(sessionID)).Err(); err != nil {
		return err
	}

	for _, v := range viewers {
		if err := t.announce(ctx, sessionID, rpc.NewViewerLeftRpc(string(sessionID), string(v))); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) announce(ctx context.Context, sessionID core.SessionID, r rpc.Rpc) error {
	if t.publisher == nil {
		return nil
	}
	if err := t.publisher.PublishPresence(ctx, string(sessionID), r); err != nil {
		log.Warn().Err(err).Str("service", "presence").Str("session_id", string(sessionID)).Msg("failed to announce presence change")
		return err
	}
	return nil
}
