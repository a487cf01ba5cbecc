package notify

import (
	"context"

	"github.com/isqad/livelook-classroom/internal/eventbus"
)

// EventbusSender publishes notifications to notifications:{audience}
type EventbusSender struct {
	publisher eventbus.Publisher
}

func NewEventbusSender(publisher eventbus.Publisher) *EventbusSender {
	return &EventbusSender{publisher: publisher}
}

func (s *EventbusSender) Send(ctx context.Context, n Notification) error {
	return s.publisher.PublishNotification(ctx, n.Audience.Key(), n.Rpc())
}
