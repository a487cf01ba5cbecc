package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/isqad/livelook-classroom/internal/api"
	"github.com/isqad/livelook-classroom/internal/config"
	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/eventbus"
	"github.com/isqad/livelook-classroom/internal/logging"
	"github.com/isqad/livelook-classroom/internal/notify"
	"github.com/isqad/livelook-classroom/internal/presence"
	"github.com/isqad/livelook-classroom/internal/rtc"
	"github.com/isqad/livelook-classroom/internal/server"
	"github.com/isqad/livelook-classroom/internal/service"
	"github.com/isqad/livelook-classroom/internal/signaling"

	_ "github.com/jackc/pgx/v4/stdlib"
)

func main() {
	app := &cli.App{
		Name:  "livelook-host",
		Usage: "Live classroom broadcaster",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "directory containing livelook.yaml",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "environment: either 'development' or 'production'",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:  "live",
				Usage: "go live from the command line until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Usage: "session ID", Required: true},
					&cli.StringFlag{Name: "title", Usage: "broadcast title"},
					&cli.StringFlag{Name: "host", Usage: "host user ID", Value: "cli"},
					&cli.StringFlag{Name: "organization", Usage: "restrict the notification to an organization"},
				},
				Action: live,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

type host struct {
	conf     *config.Config
	rdb      *redis.Client
	bus      *eventbus.Eventbus
	tracker  *presence.Tracker
	sessions *service.SessionsManager
	closers  []func() error
}

func setup(c *cli.Context) (*host, error) {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if env := c.String("env"); env != "" {
		conf.Env = env
	}

	logging.Init(conf.Log)
	if conf.Environment().IsDevelopment() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	h := &host{conf: conf}

	h.rdb = redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	h.closers = append(h.closers, h.rdb.Close)

	h.bus = eventbus.RedisPubSub(h.rdb)
	h.tracker = presence.NewTracker(h.rdb, h.bus)

	rtcConf, err := config.NewWebRTCConfig(conf)
	if err != nil {
		h.Close()
		return nil, err
	}
	peers, err := rtc.NewFactory(rtc.TransportParams{
		EnabledCodecs: conf.Peer.EnabledCodecs,
		Config:        rtcConf,
		Direction:     rtcConf.Publisher,
	})
	if err != nil {
		h.Close()
		return nil, err
	}

	notifier, err := h.notifier()
	if err != nil {
		h.Close()
		return nil, err
	}

	var history core.SessionsDBStorer
	if conf.Database.URL != "" {
		db, err := sqlx.Connect("pgx", conf.Database.URL)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		h.closers = append(h.closers, db.Close)
		history = core.NewSessionsRepository(db)
	}

	source, err := service.NewMediaSource(conf.Media)
	if err != nil {
		h.Close()
		return nil, err
	}

	h.sessions = service.NewSessionsManager(service.Options{
		Store:    signaling.NewRedisStore(h.rdb, ""),
		Peers:    peers,
		Media:    source,
		Notifier: notifier,
		Presence: h.tracker,
		History:  history,
		LinkBase: conf.Notifications.LinkBase,
	})

	return h, nil
}

func (h *host) notifier() (notify.Sender, error) {
	switch strings.ToLower(h.conf.Notifications.Backend) {
	case "nats":
		nc, err := nats.Connect(h.conf.NATS.URL, nats.Name("livelook-host"))
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		h.closers = append(h.closers, func() error {
			nc.Close()
			return nil
		})
		return notify.NewNATSSender(nc, h.conf.NATS.Subject), nil
	case "eventbus":
		return notify.NewEventbusSender(h.bus), nil
	case "", "none":
		return notify.NopSender{}, nil
	default:
		return nil, fmt.Errorf("unknown notifications backend %q", h.conf.Notifications.Backend)
	}
}

func (h *host) Close() error {
	var err error
	for i := len(h.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, h.closers[i]())
	}
	return err
}

func serve(c *cli.Context) error {
	h, err := setup(c)
	if err != nil {
		return err
	}
	defer h.Close()

	apiApp := api.NewApp(api.AppOptions{
		Sessions:         h.sessions,
		Presence:         h.tracker,
		EventsSubscriber: h.bus,
		Auth:             api.NewFirebaseAuth(h.conf.Firebase.Addr),
	})

	srv := server.New(server.AppOptions{
		Address:        h.conf.HTTP.Address,
		MetricsAddress: h.conf.HTTP.MetricsAddress,
		Handler:        apiApp.Router(),
		OnShutdown: func(ctx context.Context) error {
			return multierr.Combine(h.sessions.Shutdown(ctx), apiApp.Close())
		},
	})

	return srv.Start()
}

func live(c *cli.Context) error {
	h, err := setup(c)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := core.SessionID(c.String("session"))
	view, err := h.sessions.GoLive(ctx, id, core.LiveRequest{
		Title:          c.String("title"),
		HostID:         c.String("host"),
		OrganizationID: c.String("organization"),
	})
	if err != nil {
		return err
	}
	log.Info().Str("service", "host").Str("session_id", string(view.SessionID)).Msg("live, press Ctrl+C to stop")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	return h.sessions.Shutdown(shutdownCtx)
}
