package notify

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
)

const (
	DefaultSubject = "livelook.notifications"
	DefaultQueue   = "notifyd"
)

// NATSSender hands notifications over to notifyd through NATS
type NATSSender struct {
	nc      *nats.Conn
	subject string
}

func NewNATSSender(nc *nats.Conn, subject string) *NATSSender {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSender{nc: nc, subject: subject}
}

func (s *NATSSender) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	if err := s.nc.Publish(s.subject, data); err != nil {
		return err
	}

	// surfaces a lost connection instead of buffering silently
	return s.nc.FlushWithContext(ctx)
}
