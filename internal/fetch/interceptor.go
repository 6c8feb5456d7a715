// Package fetch classifies intercepted requests and serves them cache-first
// or network-first.
package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/flurbudurbur/Kura/internal/cache"
	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/rs/zerolog"
)

// OfflineHeader marks synthetic responses for queued writes.
const OfflineHeader = "X-Kura-Offline"

type Strategy int

const (
	CacheFirst Strategy = iota
	NetworkFirst
)

func (s Strategy) String() string {
	if s == NetworkFirst {
		return "network-first"
	}
	return "cache-first"
}

// Enqueuer stores a mutating request for later replay.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *domain.Request) (*domain.QueuedWrite, error)
}

type Interceptor struct {
	log         zerolog.Logger
	storage     *cache.Storage
	caches      atomic.Pointer[servingCaches]
	network     Network
	queue       Enqueuer
	apiPrefixes []string
	timeout     atomic.Int64
}

func NewInterceptor(log logger.Logger, storage *cache.Storage, names cache.Names, network Network, queue Enqueuer, cfg domain.WorkerConfig) *Interceptor {
	prefixes := cfg.APIPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"/api/"}
	}

	i := &Interceptor{
		log:         log.With().Str("module", "fetch").Logger(),
		storage:     storage,
		network:     network,
		queue:       queue,
		apiPrefixes: prefixes,
	}
	i.SetNames(names)
	i.SetNetworkTimeout(cfg.NetworkTimeout)

	return i
}

type servingCaches struct {
	names  cache.Names
	static *cache.Cache
	api    *cache.Cache
}

// SetNames switches the caches requests are answered from and written to.
func (i *Interceptor) SetNames(names cache.Names) {
	i.caches.Store(&servingCaches{
		names:  names,
		static: i.storage.Cache(names.Static),
		api:    i.storage.Cache(names.API),
	})
	i.log.Debug().Str("static", names.Static).Str("api", names.API).Msg("serving caches")
}

func (i *Interceptor) Names() cache.Names {
	return i.caches.Load().names
}

// SetNetworkTimeout bounds network-first requests. Zero restores the 5s default.
func (i *Interceptor) SetNetworkTimeout(d time.Duration) {
	if d <= 0 {
		d = 5 * time.Second
	}
	i.timeout.Store(int64(d))
}

func (i *Interceptor) NetworkTimeout() time.Duration {
	return time.Duration(i.timeout.Load())
}

func (i *Interceptor) Classify(req *domain.Request) Strategy {
	path := req.URL
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}

	for _, prefix := range i.apiPrefixes {
		if strings.HasPrefix(path, prefix) {
			return NetworkFirst
		}
	}
	return CacheFirst
}

// Fetch answers an intercepted request. Returned errors wrap ErrNetwork when
// neither the upstream nor a cache could answer.
func (i *Interceptor) Fetch(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	if i.Classify(req) == NetworkFirst {
		return i.networkFirst(ctx, req)
	}
	return i.cacheFirst(ctx, req)
}

func (i *Interceptor) cacheFirst(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	static := i.caches.Load().static
	if cached := static.Match(ctx, req); cached != nil {
		return cached, nil
	}

	resp, err := i.do(ctx, req)
	if err != nil {
		if ctx.Err() == nil && req.IsNavigation() {
			if root := static.Match(ctx, &domain.Request{Method: http.MethodGet, URL: "/"}); root != nil {
				i.log.Debug().Str("url", req.URL).Msg("offline navigation, serving cached root document")
				return root, nil
			}
		}
		return nil, err
	}

	if req.IsGet() && resp.OK() {
		if err := static.Put(ctx, req, resp); err != nil {
			i.log.Warn().Err(err).Str("url", req.URL).Msg("could not cache static response")
		}
	}

	return resp, nil
}

func (i *Interceptor) networkFirst(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	api := i.caches.Load().api

	netCtx, cancel := context.WithTimeout(ctx, i.NetworkTimeout())
	resp, err := i.do(netCtx, req)
	cancel()

	if err == nil {
		if req.IsGet() && resp.OK() {
			if err := api.Put(ctx, req, resp); err != nil {
				i.log.Warn().Err(err).Str("url", req.URL).Msg("could not cache api response")
			}
		}
		return resp, nil
	}

	// the page went away, nobody is waiting for a fallback
	if ctx.Err() != nil {
		return nil, err
	}

	i.log.Debug().Err(err).Str("method", req.Method).Str("url", req.URL).Msg("network unavailable, falling back")

	switch {
	case req.IsGet():
		if cached := api.Match(ctx, req); cached != nil {
			return cached, nil
		}
		return nil, err

	case domain.IsMutating(req.Method):
		w, qerr := i.queue.Enqueue(ctx, req.Clone())
		if qerr != nil {
			return nil, errors.Wrap(qerr, "could not queue %s %s", req.Method, req.URL)
		}

		i.log.Info().Str("request_id", w.RequestID).Msgf("queued %s %s for sync", req.Method, req.URL)
		return offlineResponse(w)
	}

	return nil, err
}

// do runs the request on its own copy and normalizes failures to ErrNetwork.
func (i *Interceptor) do(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	resp, err := i.network.Do(ctx, req.Clone())
	if err != nil {
		if !errors.Is(err, ErrNetwork) {
			err = &NetworkError{Method: req.Method, URL: req.URL, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

type offlineBody struct {
	Message   string `json:"message"`
	Offline   bool   `json:"offline"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"requestId"`
}

func offlineResponse(w *domain.QueuedWrite) (*domain.Response, error) {
	body, err := json.Marshal(offlineBody{
		Message:   "Request queued for sync when online",
		Offline:   true,
		Timestamp: w.CreatedAt.UnixMilli(),
		RequestID: w.RequestID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not encode offline response")
	}

	return &domain.Response{
		Status: http.StatusAccepted,
		Headers: domain.Headers{
			{Name: "Content-Type", Value: "application/json"},
			{Name: OfflineHeader, Value: "queued"},
		},
		Body: body,
	}, nil
}
