package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/isqad/livelook-classroom/internal/config"
	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/logging"
	"github.com/isqad/livelook-classroom/internal/rtc"
	"github.com/isqad/livelook-classroom/internal/signaling"
	"github.com/isqad/livelook-classroom/internal/viewer"
)

func main() {
	app := &cli.App{
		Name:  "livelook-viewer",
		Usage: "Join a live classroom and report the received media",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "directory containing livelook.yaml"},
			&cli.StringFlag{Name: "session", Usage: "session ID", Required: true},
			&cli.StringFlag{Name: "viewer", Usage: "viewer ID, generated when empty"},
			&cli.DurationFlag{Name: "report", Usage: "stats report interval", Value: 5 * time.Second},
		},
		Action: watch,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func watch(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	conf.Log.ServiceName = "livelook-viewer"
	logging.Init(conf.Log)
	if conf.Environment().IsDevelopment() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	defer rdb.Close()

	rtcConf, err := config.NewWebRTCConfig(conf)
	if err != nil {
		return err
	}

	client, err := viewer.NewClient(viewer.Options{
		SessionID: core.SessionID(c.String("session")),
		ViewerID:  core.ViewerID(c.String("viewer")),
		Store:     signaling.NewRedisStore(rdb, ""),
		Peers: rtc.NewPlainFactory(rtc.TransportParams{
			EnabledCodecs: conf.Peer.EnabledCodecs,
			Config:        rtcConf,
			Direction:     rtcConf.Subscriber,
		}),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	var packets, bytes atomic.Uint64
	client.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("service", "viewer").Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("track received")
		g.Go(func() error {
			buf := make([]byte, 1500)
			for {
				n, _, err := track.Read(buf)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					log.Debug().Err(err).Str("service", "viewer").Msg("track read stopped")
					return nil
				}
				packets.Add(1)
				bytes.Add(uint64(n))
			}
		})
	})
	client.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().Str("service", "viewer").Str("state", state.String()).Msg("connection state changed")
	})

	if err := client.Join(gctx); err != nil {
		return err
	}
	log.Info().Str("service", "viewer").Str("viewer_id", string(client.ID())).Msg("joined")

	g.Go(func() error {
		ticker := time.NewTicker(c.Duration("report"))
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-client.Done():
				return nil
			case <-ticker.C:
				log.Info().Str("service", "viewer").Uint64("packets", packets.Load()).Uint64("bytes", bytes.Load()).Msg("received")
			}
		}
	})

	select {
	case <-gctx.Done():
	case <-client.Done():
		log.Info().Str("service", "viewer").Msg("broadcast ended")
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	leaveErr := client.Leave(leaveCtx)

	if err := g.Wait(); err != nil {
		return err
	}
	return leaveErr
}
