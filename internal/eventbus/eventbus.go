// Package eventbus carries JSON-RPC events over redis pub/sub
package eventbus

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/isqad/livelook-classroom/internal/eventbus/rpc"
)

type Channel string

const (
	PresenceChannel      Channel = "presence"
	NotificationsChannel Channel = "notifications"
)

func (c Channel) buildChannel(id string) string {
	return string(c) + ":" + id
}

type Publisher interface {
	PublishPresence(ctx context.Context, sessionID string, r rpc.Rpc) error
	PublishNotification(ctx context.Context, audience string, r rpc.Rpc) error
}

type Subscriber interface {
	SubscribePresence(ctx context.Context, sessionID string) (*Subscription, error)
	SubscribeNotifications(ctx context.Context, audiences ...string) (*Subscription, error)
}

type Subscription struct {
	pubsub *redis.PubSub
}

func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Decode parses the RPC carried by a message
func Decode(msg *redis.Message) (rpc.Rpc, error) {
	return rpc.RpcFromReader(strings.NewReader(msg.Payload))
}

type Eventbus struct {
	rdb *redis.Client
}

// RedisPubSub is factory for building Eventbus based on redis pubsub
func RedisPubSub(rdb *redis.Client) *Eventbus {
	return &Eventbus{rdb: rdb}
}

func (e *Eventbus) PublishPresence(ctx context.Context, sessionID string, r rpc.Rpc) error {
	return e.publish(ctx, PresenceChannel.buildChannel(sessionID), r)
}

func (e *Eventbus) PublishNotification(ctx context.Context, audience string, r rpc.Rpc) error {
	return e.publish(ctx, NotificationsChannel.buildChannel(audience), r)
}

func (e *Eventbus) SubscribePresence(ctx context.Context, sessionID string) (*Subscription, error) {
	return e.subscribe(ctx, PresenceChannel.buildChannel(sessionID))
}

func (e *Eventbus) SubscribeNotifications(ctx context.Context, audiences ...string) (*Subscription, error) {
	channels := make([]string, 0, len(audiences))
	for _, a := range audiences {
		channels = append(channels, NotificationsChannel.buildChannel(a))
	}
	return e.subscribe(ctx, channels...)
}

func (e *Eventbus) publish(ctx context.Context, channel string, r rpc.Rpc) error {
	msg, err := r.ToJSON()
	if err != nil {
		return err
	}
	return e.rdb.Publish(ctx, channel, msg).Err()
}

func (e *Eventbus) subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	pubsub := e.rdb.Subscribe(ctx, channels...)
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	return &Subscription{pubsub: pubsub}, nil
}
