package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flurbudurbur/Kura/internal/cache"
	"github.com/flurbudurbur/Kura/internal/clients"
	"github.com/flurbudurbur/Kura/internal/config"
	"github.com/flurbudurbur/Kura/internal/database"
	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/events"
	"github.com/flurbudurbur/Kura/internal/fetch"
	"github.com/flurbudurbur/Kura/internal/http"
	"github.com/flurbudurbur/Kura/internal/lifecycle"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/internal/queue"
	"github.com/flurbudurbur/Kura/internal/scheduler"
	"github.com/flurbudurbur/Kura/internal/server"
	"github.com/flurbudurbur/Kura/internal/sync"
	"github.com/flurbudurbur/Kura/internal/worker"

	"github.com/asaskevich/EventBus"
	"github.com/r3labs/sse/v2"
	"github.com/spf13/pflag"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var (
		configPath  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to configuration directory")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("kura %s (%s) built %s\n", version, commit, date)
		return
	}

	// read config
	cfg := config.New(configPath, version)

	// init new logger
	log := logger.New(cfg.Config)

	// setup server-sent-events
	serverEvents := sse.New()
	serverEvents.CreateStreamWithOpts(logger.LogStream, sse.StreamOpts{MaxEntries: 1000, AutoReplay: true})

	// register SSE writer
	log.RegisterSSEWriter(serverEvents)

	// setup internal eventbus
	bus := EventBus.New()

	// open database connection
	db, err := database.NewDB(cfg.Config, log)
	if err != nil {
		log.Fatal().Err(err).Msg("could not create new db")
	}

	if err := db.Open(); err != nil {
		log.Fatal().Err(err).Msg("could not open db connection")
	}

	log.Info().Msgf("Starting Kura")
	log.Info().Msgf("Version: %s", version)
	log.Info().Msgf("Commit: %s", commit)
	log.Info().Msgf("Build date: %s", date)
	log.Info().Msgf("Log-level: %s", cfg.Config.Logging.Level)
	log.Info().Msgf("Using database: %s", db.Driver)
	log.Info().Msgf("Upstream: %s", cfg.Config.Upstream.BaseURL)

	manifest, err := lifecycle.LoadManifest(cfg.Config.Worker.ManifestPath)
	if err != nil {
		log.Fatal().Err(err).Msg("could not load precache manifest")
	}

	// setup repos
	var (
		cacheRepo = database.NewCacheRepo(log, db)
		queueRepo = database.NewQueueRepo(log, db)
	)

	// setup services
	var (
		names         = cache.VersionedNames(cfg.Config.Worker.AppID, cfg.Config.CacheVersion())
		storage       = cache.NewStorage(log, cacheRepo, cfg.Config.Worker.IgnoreQueryParams)
		network       = fetch.NewHTTPNetwork(cfg.Config.Upstream.BaseURL, cfg.Config.Upstream.HealthPath)
		writeQueue    = queue.New(log, queueRepo, bus)
		coordinator   = sync.NewCoordinator(log, writeQueue, network, bus, cfg.Config.Worker.NetworkTimeout)
		hub           = clients.NewHub(log)
		lifecycleMgr  = lifecycle.NewManager(log, storage, names, cfg.Config.CacheVersion(), network, manifest, hub, bus, cfg.Config.Worker.InstallTimeout)
		swWorker      = worker.New(log, lifecycleMgr, coordinator, writeQueue, network, hub)
		interceptor   = fetch.NewInterceptor(log, storage, names, network, writeQueue, cfg.Config.Worker)
		schedulingSvc = scheduler.NewService(log, cfg.Config.Sync, network, lifecycleMgr, swWorker, coordinator)
	)

	// pages are answered from the previous version's caches until this one activates
	lifecycleMgr.Route(interceptor)

	// register event subscribers
	events.NewSubscribers(log, bus, hub)

	applyRuntimeConfig := func(c *domain.Config) {
		log.SetLogLevel(c.Logging.Level)
		interceptor.SetNetworkTimeout(c.Worker.NetworkTimeout)
		if err := schedulingSvc.RescheduleDrain(c.Sync.DrainSchedule); err != nil {
			log.Error().Err(err).Msg("could not reschedule queue drain")
		}
	}

	// init dynamic config
	cfg.DynamicReload(log, applyRuntimeConfig)

	errorChannel := make(chan error)

	go func() {
		httpServer := http.NewServer(
			log,
			cfg,
			serverEvents,
			version,
			commit,
			date,
			http.Services{
				DB:       db,
				Fetcher:  interceptor,
				Worker:   swWorker,
				Clients:  hub,
				Queue:    writeQueue,
				Sync:     coordinator,
				Caches:   storage,
				Names:    names,
				Schedule: schedulingSvc,
			},
			applyRuntimeConfig,
		)
		errorChannel <- httpServer.Open()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	srv := server.NewServer(log, cfg.Config, lifecycleMgr, schedulingSvc)
	if err := srv.Start(context.Background()); err != nil {
		log.Error().Stack().Err(err).Msg("could not install worker version, serving with the caches already in place")
	}

	for {
		select {
		case err := <-errorChannel:
			log.Error().Stack().Err(err).Msg("http server stopped")
			shutdown(log, srv, db)
			os.Exit(1)

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Log().Msg("shutting down server sighup")
				shutdown(log, srv, db)
				os.Exit(1)
			case syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM:
				log.Info().Msgf("Shutting down server due to %s...", sig)
				shutdown(log, srv, db)
				os.Exit(0)
			}
		}
	}
}

func shutdown(log logger.Logger, srv *server.Server, db *database.DB) {
	srv.Shutdown()
	if err := db.Close(); err != nil {
		log.Error().Stack().Err(err).Msg("could not close db connection")
	}
}
