package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	ConnectivityJob = "sync-connectivity-check"
	DrainJob = "sync-periodic-drain"
)

type Service interface {
	Start()
	Stop()
	// AddJob adds a job that runs periodically at the given interval.
	AddJob(job cron.Job, interval time.Duration, identifier string) (int, error)
	// AddJobWithSpec adds a job using a cron spec string (e.g., "@every 15s").
	AddJobWithSpec(job cron.Job, spec string, identifier string) (int, error)
	RemoveJobByIdentifier(id string) error
	GetNextRun(id string) (time.Time, error)
	// RescheduleDrain replaces the periodic drain job. An empty schedule
	// removes it.
	RescheduleDrain(schedule string) error
}

// ValidateSchedule accepts a cron spec ("@every 5m", "*/5 * * * *") or a
// plain duration ("5m").
func ValidateSchedule(schedule string) error {
	if d, err := time.ParseDuration(schedule); err == nil {
		if d <= 0 {
			return errors.New("schedule interval must be positive: %s", schedule)
		}
		return nil
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return errors.Wrap(err, "invalid schedule %q", schedule)
	}
	return nil
}

type service struct {
	log       zerolog.Logger
	config    domain.SyncConfig
	checker   HealthChecker
	installer Installer
	syncer    BackgroundSyncer
	drainer   Drainer

	drainMu   sync.Mutex
	drainSpec string

	ctx    context.Context
	cancel context.CancelFunc

	cron *cron.Cron
	jobs map[string]cron.EntryID
	m    sync.RWMutex
}

func NewService(log logger.Logger, config domain.SyncConfig, checker HealthChecker, installer Installer, syncer BackgroundSyncer, drainer Drainer) Service {
	l := log.With().Str("module", "scheduler").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	return &service{
		log:       l,
		config:    config,
		checker:   checker,
		installer: installer,
		syncer:    syncer,
		drainer:   drainer,
		ctx:       ctx,
		cancel:    cancel,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{log: l}),
		)),
		jobs: map[string]cron.EntryID{},
	}
}

func (s *service) Start() {
	s.log.Info().Msg("Starting scheduler service")

	s.cron.Start()

	s.addAppJobs()
}

func (s *service) addAppJobs() {
	if !s.config.Enabled {
		s.log.Info().Msg("background sync is disabled, skipping sync jobs")
		return
	}

	monitor := &ConnectivityMonitorJob{
		Name:      ConnectivityJob,
		Log:       s.log.With().Str("job", ConnectivityJob).Logger(),
		Ctx:       s.ctx,
		Checker:   s.checker,
		Installer: s.installer,
		Syncer:    s.syncer,
		Timeout:   s.config.CheckTimeout,
	}
	if _, err := s.AddJobWithSpec(monitor, s.config.CheckSchedule, monitor.Name); err != nil {
		s.log.Error().Err(err).Msgf("Failed to add '%s' job", monitor.Name)
	}

	if err := s.RescheduleDrain(s.config.DrainSchedule); err != nil {
		s.log.Error().Err(err).Msgf("Failed to add '%s' job", DrainJob)
	}
}

func (s *service) RescheduleDrain(schedule string) error {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	if !s.config.Enabled {
		return nil
	}

	if schedule != "" {
		if err := ValidateSchedule(schedule); err != nil {
			return err
		}
	}

	if schedule == s.drainSpec && (schedule == "" || s.hasJob(DrainJob)) {
		return nil
	}

	if err := s.RemoveJobByIdentifier(DrainJob); err != nil {
		return err
	}
	s.drainSpec = ""

	if schedule == "" {
		return nil
	}

	drain := &PeriodicDrainJob{
		Name:    DrainJob,
		Log:     s.log.With().Str("job", DrainJob).Logger(),
		Ctx:     s.ctx,
		Drainer: s.drainer,
	}

	var err error
	if d, perr := time.ParseDuration(schedule); perr == nil {
		_, err = s.AddJob(drain, d, DrainJob)
	} else {
		_, err = s.AddJobWithSpec(drain, schedule, DrainJob)
	}
	if err != nil {
		return err
	}
	s.drainSpec = schedule

	return nil
}

func (s *service) hasJob(id string) bool {
	s.m.RLock()
	defer s.m.RUnlock()

	_, ok := s.jobs[id]
	return ok
}

func (s *service) Stop() {
	s.log.Info().Msg("Stopping scheduler service")
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *service) AddJob(job cron.Job, interval time.Duration, identifier string) (int, error) {
	return s.AddJobWithSpec(job, fmt.Sprintf("@every %s", interval.String()), identifier)
}

// AddJobWithSpec adds a job using a cron specification string.
func (s *service) AddJobWithSpec(job cron.Job, spec string, identifier string) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()

	if _, exists := s.jobs[identifier]; exists {
		s.log.Warn().Str("identifier", identifier).Msg("Job with this identifier already exists, skipping add.")
		return 0, errors.New("job with identifier '%s' already exists", identifier)
	}

	entryID, err := s.cron.AddJob(spec, cron.NewChain(
		cron.SkipIfStillRunning(cronLogger{log: s.log})).Then(job))
	if err != nil {
		s.log.Error().Err(err).Str("identifier", identifier).Str("spec", spec).Msg("Failed to add job with spec")
		return 0, errors.Wrap(err, "failed to add job '%s' with spec '%s'", identifier, spec)
	}

	s.log.Info().Str("identifier", identifier).Str("spec", spec).Int("entryID", int(entryID)).Msg("Scheduled job added")
	s.jobs[identifier] = entryID
	return int(entryID), nil
}

func (s *service) RemoveJobByIdentifier(id string) error {
	s.m.Lock()
	defer s.m.Unlock()

	v, ok := s.jobs[id]
	if !ok {
		return nil
	}

	s.log.Debug().Msgf("scheduler.Remove: removing job: %v", id)

	s.cron.Remove(v)
	delete(s.jobs, id)

	return nil
}

func (s *service) GetNextRun(id string) (time.Time, error) {
	entry := s.getEntryById(id)

	if !entry.Valid() {
		return time.Time{}, nil
	}

	s.log.Debug().Msgf("scheduler.GetNextRun: %s next run: %s", id, entry.Next)

	return entry.Next, nil
}

func (s *service) getEntryById(id string) cron.Entry {
	s.m.Lock()
	defer s.m.Unlock()

	v, ok := s.jobs[id]
	if !ok {
		return cron.Entry{}
	}

	return s.cron.Entry(v)
}

// cronLogger routes cron's own messages into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
