package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Daemon consumes notifications from a NATS queue group and forwards them,
// usually to the eventbus feeding websocket clients
type Daemon struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	queue   string
	forward Sender

	errors chan error
}

func NewDaemon(nc *nats.Conn, subject, queue string, forward Sender) *Daemon {
	if subject == "" {
		subject = DefaultSubject
	}
	if queue == "" {
		queue = DefaultQueue
	}

	return &Daemon{
		nc:      nc,
		subject: subject,
		queue:   queue,
		forward: forward,
		errors:  make(chan error, 16),
	}
}

// Run blocks until ctx is done
func (d *Daemon) Run(ctx context.Context) error {
	log.Info().Str("service", "notifyd").Str("subject", d.subject).Msg("start notification daemon")

	var err error
	d.sub, err = d.nc.QueueSubscribe(d.subject, d.queue, func(msg *nats.Msg) {
		if err := d.deliver(ctx, msg); err != nil {
			select {
			case d.errors <- err:
			default:
				log.Error().Err(err).Str("service", "notifyd").Msg("error queue is full")
			}
		}
	})
	if err != nil {
		return err
	}

	for {
		select {
		case err := <-d.errors:
			log.Error().Err(err).Str("service", "notifyd").Msg("")
		case <-ctx.Done():
			return d.Stop()
		}
	}
}

func (d *Daemon) Stop() error {
	log.Info().Str("service", "notifyd").Msg("stop notification daemon")

	if d.sub != nil {
		if err := d.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.Warn().Err(err).Str("service", "notifyd").Msg("unsubscribe failed")
		}
	}

	return nil
}

func (d *Daemon) deliver(ctx context.Context, msg *nats.Msg) error {
	log.Debug().Str("service", "notifyd").Str("data", string(msg.Data)).Msg("received notification")

	n := Notification{}
	if err := json.NewDecoder(bytes.NewReader(msg.Data)).Decode(&n); err != nil {
		return fmt.Errorf("notifyd: %v, payload: %s", err, string(msg.Data))
	}

	return d.forward.Send(ctx, n)
}
