package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"

	"github.com/rs/zerolog"
)

type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

type BackgroundSyncer interface {
	BackgroundSync(ctx context.Context, tag string) (domain.SyncReport, error)
}

// Installer retries a worker install that failed while offline.
type Installer interface {
	EnsureActive(ctx context.Context) error
}

type Drainer interface {
	Drain(ctx context.Context) (domain.SyncReport, error)
}

// ConnectivityMonitorJob checks the upstream and, when it comes back, finishes
// a pending install and fires the background-sync signal. The upstream
// counts as offline until the first successful check.
type ConnectivityMonitorJob struct {
	Name      string
	Log       zerolog.Logger
	Ctx       context.Context
	Checker   HealthChecker
	Installer Installer
	Syncer    BackgroundSyncer
	Timeout   time.Duration

	mu     sync.Mutex
	online bool
}

func (j *ConnectivityMonitorJob) Run() {
	ctx := j.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	checkCtx := ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	err := j.Checker.CheckHealth(checkCtx)
	online := err == nil

	j.mu.Lock()
	cameBack := online && !j.online
	wentAway := !online && j.online
	j.online = online
	j.mu.Unlock()

	switch {
	case wentAway:
		j.Log.Warn().Err(err).Msg("upstream went offline")
	case !online:
		j.Log.Trace().Err(err).Msg("upstream still offline")
	}

	if !cameBack {
		return
	}

	if j.Installer != nil {
		if err := j.Installer.EnsureActive(ctx); err != nil {
			j.Log.Error().Err(err).Msg("install retry failed")
		}
	}

	j.Log.Info().Msg("upstream is online, starting background sync")
	if _, err := j.Syncer.BackgroundSync(ctx, domain.SyncTag); err != nil {
		j.Log.Error().Err(err).Msg("background sync failed")
	}
}

func (j *ConnectivityMonitorJob) Online() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.online
}

// PeriodicDrainJob drains the queue regardless of connectivity changes.
type PeriodicDrainJob struct {
	Name    string
	Log     zerolog.Logger
	Ctx     context.Context
	Drainer Drainer
}

func (j *PeriodicDrainJob) Run() {
	ctx := j.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	report, err := j.Drainer.Drain(ctx)
	if err != nil {
		j.Log.Error().Err(err).Msg("periodic drain failed")
		return
	}

	if len(report.Results) == 0 {
		return
	}

	j.Log.Info().Msgf("periodic drain finished. Synced: %d, Failed: %d, Remaining: %d", report.Synced, report.Failed, report.Remaining)
}
