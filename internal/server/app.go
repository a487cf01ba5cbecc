package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/isqad/livelook-classroom/internal/telemetry"
)

// AppOptions is options of the application
type AppOptions struct {
	Address        string
	MetricsAddress string
	Handler        http.Handler
	// OnShutdown runs once both servers stopped accepting requests
	OnShutdown      func(ctx context.Context) error
	ShutdownTimeout time.Duration
}

// App serves the API and the prometheus metrics
type App struct {
	AppOptions
}

func New(options AppOptions) *App {
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 20 * time.Second
	}
	return &App{options}
}

// Start runs the servers until SIGINT or SIGTERM
func (app *App) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}

func (app *App) Run(ctx context.Context) error {
	httpListener, err := net.Listen("tcp", app.Address)
	if err != nil {
		return err
	}
	metricsListener, err := net.Listen("tcp", app.MetricsAddress)
	if err != nil {
		httpListener.Close()
		return err
	}

	return app.Serve(ctx, httpListener, metricsListener)
}

// Serve runs both servers on the given listeners until ctx is done
func (app *App) Serve(ctx context.Context, httpListener, metricsListener net.Listener) error {
	server := &http.Server{
		Handler:           app.Handler,
		ReadHeaderTimeout: 1 * time.Second,
	}
	metrics := &http.Server{
		Handler:           metricsRouter(),
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("service", "server").Str("address", httpListener.Addr().String()).Msg("api server started")
		return serve(server, httpListener)
	})
	g.Go(func() error {
		log.Info().Str("service", "server").Str("address", metricsListener.Addr().String()).Msg("metrics server started")
		return serve(metrics, metricsListener)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Warn().Str("service", "server").Msg("the server is going shutting down")

		// Wait for close http connections
		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		err := server.Shutdown(waitIdleConnCtx)
		if merr := metrics.Shutdown(waitIdleConnCtx); err == nil {
			err = merr
		}

		if app.OnShutdown != nil {
			if serr := app.OnShutdown(waitIdleConnCtx); serr != nil {
				log.Error().Err(serr).Str("service", "server").Msg("shutdown hook failed")
				if err == nil {
					err = serr
				}
			}
		}
		log.Info().Str("service", "server").Msg("all services are stopped")
		return err
	})

	return g.Wait()
}

func serve(server *http.Server, listener net.Listener) error {
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}
