package server

import (
	"context"
	"sync"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/lifecycle"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/internal/scheduler"

	"github.com/rs/zerolog"
)

type Lifecycle interface {
	Install(ctx context.Context) (lifecycle.InstallResult, error)
	Activate(ctx context.Context) (lifecycle.ActivateResult, error)
}

type Server struct {
	log    zerolog.Logger
	config *domain.Config

	lifecycle Lifecycle
	scheduler scheduler.Service

	lock    sync.Mutex
	started bool
}

func NewServer(log logger.Logger, config *domain.Config, lc Lifecycle, scheduler scheduler.Service) *Server {
	return &Server{
		log:       log.With().Str("module", "server").Logger(),
		config:    config,
		lifecycle: lc,
		scheduler: scheduler,
	}
}

// Start installs the worker version, activates it once install asked to
// skip waiting and starts the scheduler. The scheduler starts even when
// install fails so queued writes keep syncing; the install error is returned
// and the previous caches stay in place.
func (s *Server) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	err := s.install(ctx)

	s.scheduler.Start()
	s.started = true

	return err
}

func (s *Server) install(ctx context.Context) error {
	result, err := s.lifecycle.Install(ctx)
	if err != nil {
		return err
	}

	if result.SkipWaiting {
		if _, err := s.lifecycle.Activate(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) Shutdown() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.log.Info().Msg("Shutting down server")

	if s.started {
		s.scheduler.Stop()
		s.started = false
	}
}
