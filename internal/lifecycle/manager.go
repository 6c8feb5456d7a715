// Package lifecycle installs and activates a worker version: it fills the
// current caches, removes stale ones and takes control of connected pages.
package lifecycle

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flurbudurbur/Kura/internal/cache"
	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/fetch"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/asaskevich/EventBus"
	"github.com/hashicorp/go-version"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrNotInstalled = errors.New("worker is not installed")

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return "parsed"
}

// Broadcaster reaches the connected pages.
type Broadcaster interface {
	Claim(version string) int
	Broadcast(ctx context.Context, msg domain.Message) int
}

type InstallResult struct {
	SkipWaiting bool
	Precached   int
	Warmed      int
	WarmFailed  int
}

type ActivateResult struct {
	Deleted []string
	Claimed int
}

// CacheRouter is told which caches to answer requests from.
type CacheRouter interface {
	SetNames(names cache.Names)
}

type Manager struct {
	log            zerolog.Logger
	storage        *cache.Storage
	names          cache.Names
	version        string
	network        fetch.Network
	manifest       Manifest
	clients        Broadcaster
	bus            EventBus.BusPublisher
	installTimeout time.Duration

	// one install at a time, retries wait for a running one
	installMu sync.Mutex

	mu      sync.Mutex
	state   State
	serving cache.Names
	routers []CacheRouter
}

func NewManager(log logger.Logger, storage *cache.Storage, names cache.Names, version string, network fetch.Network, manifest Manifest, clients Broadcaster, bus EventBus.BusPublisher, installTimeout time.Duration) *Manager {
	if installTimeout <= 0 {
		installTimeout = 30 * time.Second
	}

	return &Manager{
		log:            log.With().Str("module", "lifecycle").Logger(),
		storage:        storage,
		names:          names,
		version:        version,
		network:        network,
		manifest:       manifest,
		clients:        clients,
		bus:            bus,
		installTimeout: installTimeout,
		serving:        names,
	}
}

func (m *Manager) Version() string { return m.version }

func (m *Manager) Names() cache.Names { return m.names }

// Serving returns the caches pages are answered from. They stay on the
// previous version's until this one activates.
func (m *Manager) Serving() cache.Names {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serving
}

// Route registers r and points it at the serving caches right away.
func (m *Manager) Route(r CacheRouter) {
	m.mu.Lock()
	m.routers = append(m.routers, r)
	serving := m.serving
	m.mu.Unlock()

	r.SetNames(serving)
}

func (m *Manager) serve(names cache.Names) {
	m.mu.Lock()
	if m.serving == names {
		m.mu.Unlock()
		return
	}
	m.serving = names
	routers := append([]CacheRouter(nil), m.routers...)
	m.mu.Unlock()

	for _, r := range routers {
		r.SetNames(names)
	}
	m.log.Info().Str("static", names.Static).Str("api", names.API).Msg("serving caches switched")
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	m.log.Debug().Str("version", m.version).Msgf("worker %s", s)
}

// Install precaches the static manifest and pre-warms the API manifest
// concurrently. Any static failure fails the install and leaves the static
// cache empty. API failures are logged and skipped.
func (m *Manager) Install(ctx context.Context) (InstallResult, error) {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	return m.install(ctx)
}

func (m *Manager) install(ctx context.Context) (InstallResult, error) {
	m.setState(StateInstalling)
	m.fallBack(ctx)

	ctx, cancel := context.WithTimeout(ctx, m.installTimeout)
	defer cancel()

	var (
		result InstallResult
		warmed atomic.Int32
		failed atomic.Int32
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := m.precache(gctx)
		result.Precached = n
		return err
	})
	g.Go(func() error {
		m.prewarm(gctx, &warmed, &failed)
		return nil
	})

	if err := g.Wait(); err != nil {
		m.setState(StateRedundant)
		return result, errors.Wrap(err, "install of %s failed", m.version)
	}

	result.Warmed = int(warmed.Load())
	result.WarmFailed = int(failed.Load())
	result.SkipWaiting = true

	m.log.Info().Str("version", m.version).Int("precached", result.Precached).Int("warmed", result.Warmed).Msg("worker installed")
	m.setState(StateInstalled)

	return result, nil
}

// fallBack serves the newest older version's caches while this version is
// not installed. A newer version's caches are never served.
func (m *Manager) fallBack(ctx context.Context) {
	current, err := version.NewVersion(m.version)
	if err != nil {
		return
	}

	names, err := m.storage.Names(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("could not look for a previous version to serve")
		return
	}

	var (
		best    *version.Version
		bestRaw string
	)
	for _, name := range names {
		if name == m.names.Static {
			// precached by an earlier run
			m.serve(m.names)
			return
		}

		raw, ok := m.names.StaticVersion(name)
		if !ok {
			continue
		}
		v, err := version.NewVersion(raw)
		if err != nil || !v.LessThan(current) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, bestRaw = v, raw
		}
	}

	if best != nil {
		m.serve(cache.VersionedNames(m.names.AppID, bestRaw))
	}
}

// precache fetches the whole static manifest before the static cache is
// created, so a failed install leaves no store behind.
func (m *Manager) precache(ctx context.Context) (int, error) {
	reqs := make([]*domain.Request, len(m.manifest.Static))
	resps := make([]*domain.Response, len(m.manifest.Static))

	g, gctx := errgroup.WithContext(ctx)
	for i, url := range m.manifest.Static {
		i, url := i, url
		reqs[i] = &domain.Request{Method: http.MethodGet, URL: url}
		g.Go(func() error {
			resp, err := m.network.Do(gctx, reqs[i].Clone())
			if err != nil {
				return errors.Wrap(err, "could not precache %s", url)
			}
			if !resp.OK() {
				return errors.New("could not precache %s: status %d", url, resp.Status)
			}
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	static, err := m.storage.Open(ctx, m.names.Static)
	if err != nil {
		return 0, err
	}

	for i := range reqs {
		if err := static.Put(ctx, reqs[i], resps[i]); err != nil {
			if _, delErr := m.storage.Delete(context.WithoutCancel(ctx), m.names.Static); delErr != nil {
				m.log.Error().Err(delErr).Msg("could not roll back partial precache")
			}
			return 0, err
		}
	}

	return len(reqs), nil
}

func (m *Manager) prewarm(ctx context.Context, warmed, failed *atomic.Int32) {
	api, err := m.storage.Open(ctx, m.names.API)
	if err != nil {
		m.log.Warn().Err(err).Msg("could not open api cache for pre-warm")
		return
	}

	var g errgroup.Group
	for _, url := range m.manifest.API {
		url := url
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failed.Add(1)
					m.log.Error().Interface("panic", r).Str("url", url).Msg("pre-warm task panicked")
				}
			}()

			req := &domain.Request{Method: http.MethodGet, URL: url}
			resp, err := m.network.Do(ctx, req.Clone())
			if err != nil {
				failed.Add(1)
				m.log.Debug().Err(err).Str("url", url).Msg("pre-warm skipped")
				return nil
			}
			if err := api.Put(ctx, req, resp); err != nil {
				failed.Add(1)
				m.log.Debug().Err(err).Str("url", url).Msg("pre-warm not stored")
				return nil
			}

			warmed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
}

// Activate removes every cache that is not current, claims the connected
// pages and tells them about the new version. It can be called repeatedly.
func (m *Manager) Activate(ctx context.Context) (ActivateResult, error) {
	switch m.State() {
	case StateParsed, StateInstalling, StateRedundant:
		return ActivateResult{}, ErrNotInstalled
	}

	m.setState(StateActivating)

	// switch before deleting, a write into a deleted cache would register it again
	m.serve(m.names)

	result := ActivateResult{Deleted: make([]string, 0)}

	names, err := m.storage.Names(ctx)
	if err != nil {
		m.setState(StateInstalled)
		return result, errors.Wrap(err, "could not list caches")
	}

	current, _ := version.NewVersion(m.version)
	for _, name := range names {
		if m.names.Current(name) {
			continue
		}

		if _, err := m.storage.Delete(ctx, name); err != nil {
			m.setState(StateInstalled)
			return result, errors.Wrap(err, "could not delete cache %s", name)
		}
		result.Deleted = append(result.Deleted, name)

		m.log.Info().Str("cache", name).Msgf("deleted %s cache", relativeAge(current, name))
	}

	result.Claimed = m.clients.Claim(m.version)
	m.clients.Broadcast(ctx, domain.SWUpdated{Version: m.version})
	if m.bus != nil {
		m.bus.Publish(domain.TopicWorkerUpdated, m.version)
	}

	m.setState(StateActivated)
	m.log.Info().Str("version", m.version).Int("claimed", result.Claimed).Msg("worker activated")

	return result, nil
}

// SkipWaiting activates the version now, installing it first when an
// earlier install failed.
func (m *Manager) SkipWaiting(ctx context.Context) (ActivateResult, error) {
	if err := m.ensureInstalled(ctx); err != nil {
		return ActivateResult{}, err
	}
	return m.Activate(ctx)
}

// EnsureActive retries a failed install and activates the version. An
// active version is left alone.
func (m *Manager) EnsureActive(ctx context.Context) error {
	if m.State() == StateActivated {
		return nil
	}

	if err := m.ensureInstalled(ctx); err != nil {
		return err
	}

	_, err := m.Activate(ctx)
	return err
}

func (m *Manager) ensureInstalled(ctx context.Context) error {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	switch m.State() {
	case StateInstalled, StateActivating, StateActivated:
		return nil
	}

	m.log.Info().Str("version", m.version).Msg("retrying install")
	_, err := m.install(ctx)
	return err
}

// relativeAge compares the version embedded in a cache name with current.
func relativeAge(current *version.Version, name string) string {
	idx := strings.LastIndex(name, "-v")
	if current == nil || idx < 0 {
		return "unversioned"
	}

	v, err := version.NewVersion(name[idx+2:])
	if err != nil {
		return "unversioned"
	}

	switch {
	case v.LessThan(current):
		return "older"
	case v.GreaterThan(current):
		return "newer"
	}
	return "same-version"
}
