package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/isqad/livelook-classroom/internal/eventbus"
	"github.com/isqad/melody"
)

const maxMessageSize = 1024

// AppOptions is options of the application
type AppOptions struct {
	Sessions         SessionsService
	Presence         PresenceReader
	EventsSubscriber eventbus.Subscriber
	Auth             *FirebaseAuth
}

// App is application for API
type App struct {
	AppOptions

	router        *chi.Mux
	presenceFeed  *melody.Melody
	notifications *melody.Melody
}

// NewApp creates a new API application
func NewApp(options AppOptions) *App {
	if options.Auth == nil {
		options.Auth = NewFirebaseAuth("")
	}
	if options.Auth.AuthFailFunc == nil {
		options.Auth.AuthFailFunc = authFailedFunc
	}

	app := &App{
		AppOptions:    options,
		router:        chi.NewRouter(),
		presenceFeed:  newFeed(),
		notifications: newFeed(),
	}
	return app
}

func newFeed() *melody.Melody {
	m := melody.New()
	m.Config.MaxMessageSize = maxMessageSize
	m.HandleConnect(ConnectHandler)
	m.HandleDisconnect(DisconnectHandler)
	return m
}

// Router is function for construct http router
func (app *App) Router() http.Handler {
	app.router.Use(middleware.RealIP)
	app.router.Use(middleware.Recoverer)

	app.router.With(app.Auth.Middleware()).Route("/", func(r chi.Router) {
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", SessionShowHandler(app.Sessions))
			r.Post("/live", GoLiveHandler(app.Sessions))
			r.Delete("/live", StopLiveHandler(app.Sessions))
			r.Put("/tracks/{kind}", TrackUpdateHandler(app.Sessions))
			r.Post("/chat", ChatCreateHandler(app.Sessions))
			r.Post("/reactions", ReactionCreateHandler(app.Sessions))
			r.Get("/presence", PresenceFeedHandler(app.EventsSubscriber, app.Presence, app.presenceFeed))
		})
		r.Get("/notifications", NotificationsFeedHandler(app.EventsSubscriber, app.notifications))
	})

	return app.router
}

// Close disconnects every websocket client
func (app *App) Close() error {
	if err := app.presenceFeed.Close(); err != nil {
		return err
	}
	return app.notifications.Close()
}

func authFailedFunc(w http.ResponseWriter, r *http.Request, err error) {
	w.WriteHeader(http.StatusUnauthorized)
}
