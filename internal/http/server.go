package http

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/flurbudurbur/Kura/internal/cache"
	"github.com/flurbudurbur/Kura/internal/config"
	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"github.com/r3labs/sse/v2"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Services bundles what the HTTP layer serves.
type Services struct {
	DB       DBPinger
	Fetcher  fetcher
	Worker   messageHandler
	Clients  clientRegistry
	Queue    queueService
	Sync     drainer
	Caches   cacheInspector
	Names    cache.Names
	// Schedule is optional, without it the queue listing has no next run.
	Schedule jobSchedule
}

type Server struct {
	log zerolog.Logger
	sse *sse.Server

	config      *config.AppConfig
	cookieStore *sessions.CookieStore
	hooks       []func(*domain.Config)

	version string
	commit  string
	date    string

	services Services
}

// NewServer builds the worker's HTTP surface. Hooks run after a runtime
// configuration change made through the config endpoint.
func NewServer(
	log logger.Logger,
	config *config.AppConfig,
	sse *sse.Server,
	version string,
	commit string,
	date string,
	services Services,
	hooks ...func(*domain.Config),
) Server {
	if sse != nil {
		sse.Headers = map[string]string{
			"Content-Type":      "text/event-stream",
			"Cache-Control":     "no-cache",
			"Connection":        "keep-alive",
			"X-Accel-Buffering": "no",
		}
	}

	return Server{
		log:      log.With().Str("module", "http").Logger(),
		config:   config,
		sse:      sse,
		version:  version,
		commit:   commit,
		date:     date,
		services: services,
		hooks:    hooks,

		cookieStore: sessions.NewCookieStore([]byte(config.Current().SessionSecret)),
	}
}

func (s Server) Open() error {
	cfg := s.config.Current()
	addr := fmt.Sprintf("%v:%v", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := http.Server{
		Handler: s.Handler(),
	}

	s.log.Info().Msgf("Starting server. Listening on %s", listener.Addr().String())

	return server.Serve(listener)
}

func (s Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(&s.log))

	c := cors.New(cors.Options{
		AllowCredentials:   true,
		AllowedMethods:     []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowOriginFunc:    func(origin string) bool { return true },
		OptionsPassthrough: true,
		Debug:              false,
	})

	r.Use(c.Handler)

	encoder := encoder{}

	r.Route("/sw", func(r chi.Router) {
		r.Use(ClientIdentity(s.cookieStore, s.log))

		r.Route("/healthz", newHealthHandler(encoder, s.services.DB).Routes)
		r.Route("/logs", newLogsHandler(s.config).Routes)
		r.Route("/config", newConfigHandler(encoder, s, s.config).Routes)

		swHandler{
			log:      s.log,
			encoder:  encoder,
			worker:   s.services.Worker,
			clients:  s.services.Clients,
			sse:      s.sse,
			queue:    s.services.Queue,
			sync:     s.services.Sync,
			caches:   s.services.Caches,
			current:  s.services.Names,
			schedule: s.services.Schedule,
		}.Routes(r)
	})

	// everything else is page traffic
	r.Handle("/*", newProxyHandler(s.log, s.services.Fetcher))

	base := strings.TrimRight(s.config.Current().Server.BaseURL, "/")
	if base == "" {
		return r
	}

	// page traffic must reach the interceptor with the path the upstream knows
	return http.StripPrefix(base, r)
}
