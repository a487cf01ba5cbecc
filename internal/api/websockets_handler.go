package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/eventbus"
	"github.com/isqad/livelook-classroom/internal/eventbus/rpc"
	"github.com/isqad/livelook-classroom/internal/notify"
	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"
)

const (
	wsSubscriptionSessionKey = "subscription"
	wsSnapshotSessionKey     = "snapshot"
)

// PresenceReader lists the viewers currently connected to a session
type PresenceReader interface {
	Viewers(ctx context.Context, sessionID core.SessionID) ([]core.ViewerID, error)
}

// PresenceFeedHandler GET /sessions/{id}/presence
//
// The feed starts with a presence_snapshot followed by viewer_joined and
// viewer_left events.
func PresenceFeedHandler(
	eventsSubscriber eventbus.Subscriber,
	presence PresenceReader,
	websocket *melody.Melody,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := sessionIDParam(r)

		// subscribe before the snapshot so no update falls in between
		subscription, err := eventsSubscriber.SubscribePresence(r.Context(), string(id))
		if err != nil {
			log.Error().Err(err).Str("service", "api").Msg("can't subscribe to presence")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		viewers, err := presence.Viewers(r.Context(), id)
		if err != nil {
			_ = subscription.Close()
			log.Error().Err(err).Str("service", "api").Msg("can't read presence")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		ids := make([]string, 0, len(viewers))
		for _, v := range viewers {
			ids = append(ids, string(v))
		}
		snapshot, err := rpc.NewPresenceSnapshotRpc(string(id), ids).ToJSON()
		if err != nil {
			_ = subscription.Close()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		handleFeed(w, r, websocket, subscription, snapshot)
	}
}

// NotificationsFeedHandler GET /notifications?organization_id=...
func NotificationsFeedHandler(eventsSubscriber eventbus.Subscriber, websocket *melody.Melody) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		audiences := []string{notify.AudienceFor("").Key()}
		if orgID := r.URL.Query().Get("organization_id"); orgID != "" {
			audiences = append(audiences, notify.AudienceFor(orgID).Key())
		}

		subscription, err := eventsSubscriber.SubscribeNotifications(r.Context(), audiences...)
		if err != nil {
			log.Error().Err(err).Str("service", "api").Msg("can't subscribe to notifications")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		handleFeed(w, r, websocket, subscription, nil)
	}
}

func handleFeed(w http.ResponseWriter, r *http.Request, websocket *melody.Melody, subscription *eventbus.Subscription, snapshot []byte) {
	sessKeys := make(map[string]interface{})
	sessKeys[wsSubscriptionSessionKey] = subscription
	if snapshot != nil {
		sessKeys[wsSnapshotSessionKey] = snapshot
	}

	if err := websocket.HandleRequestWithKeys(w, r, sessKeys); err != nil {
		log.Warn().Err(err).Str("service", "api").Msg("websocket closed")
	}
}

// ConnectHandler forwards the subscription to the websocket
func ConnectHandler(session *melody.Session) {
	subscription, err := getSubscription(session)
	if err != nil {
		log.Error().Err(err).Str("service", "api").Msg("extract subscription error")
		_ = session.Close()
		return
	}

	if snapshot, ok := session.Keys[wsSnapshotSessionKey].([]byte); ok {
		if err := session.Write(snapshot); err != nil {
			log.Warn().Err(err).Str("service", "api").Msg("can't send snapshot")
		}
	}

	go func() {
		ch := subscription.Channel()

		for msg := range ch {
			if err := session.Write([]byte(msg.Payload)); err != nil {
				log.Debug().Err(err).Str("service", "api").Msg("can't write to websocket")
			}
		}
	}()
}

func DisconnectHandler(session *melody.Session) {
	subscription, err := getSubscription(session)
	if err != nil {
		log.Error().Err(err).Str("service", "api").Msg("extract subscription error")
		return
	}
	if err := subscription.Close(); err != nil {
		log.Warn().Err(err).Str("service", "api").Msg("close subscription error")
	}
}

func getSubscription(s *melody.Session) (*eventbus.Subscription, error) {
	sub, ok := s.Keys[wsSubscriptionSessionKey]
	if !ok {
		return nil, fmt.Errorf("no sub for given session: %+v", s)
	}
	subscription, ok := sub.(*eventbus.Subscription)
	if !ok {
		return nil, fmt.Errorf("can't convert sub: %+v", sub)
	}
	return subscription, nil
}
