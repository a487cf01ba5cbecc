package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/livelook-classroom/internal/config"
	"github.com/isqad/livelook-classroom/internal/eventbus"
	"github.com/isqad/livelook-classroom/internal/logging"
	"github.com/isqad/livelook-classroom/internal/notify"
)

func main() {
	app := &cli.App{
		Name:        "livelook-notifyd",
		Usage:       "Notifications daemon",
		Description: "consumes live notifications from NATS and publishes them to the websocket feeds",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "directory containing livelook.yaml",
			},
			&cli.StringFlag{
				Name:  "nats",
				Usage: "NATS url, overrides nats.url",
			},
		},
		Action: startDaemon,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startDaemon(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	conf.Log.ServiceName = "livelook-notifyd"
	logging.Init(conf.Log)

	natsURL := conf.NATS.URL
	if u := c.String("nats"); u != "" {
		natsURL = u
	}
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}

	nc, err := nats.Connect(natsURL, nats.Name("livelook-notifyd"))
	if err != nil {
		return err
	}
	defer nc.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon := notify.NewDaemon(nc, conf.NATS.Subject, conf.NATS.Queue, notify.NewEventbusSender(eventbus.RedisPubSub(rdb)))

	log.Info().Str("service", "notifyd").Str("nats", natsURL).Msg("notifications daemon started")
	return daemon.Run(ctx)
}
