// Package cache implements versioned, named response stores.
package cache

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

var ErrNotCacheable = errors.New("response is not cacheable")

// Names holds the two cache names that are current for a version.
type Names struct {
	AppID  string
	Static string
	API    string
}

func VersionedNames(appID, version string) Names {
	return Names{
		AppID:  appID,
		Static: appID + "-v" + version,
		API:    appID + "-api-v" + version,
	}
}

// StaticVersion returns the version of name when it is a static cache of
// the same app.
func (n Names) StaticVersion(name string) (string, bool) {
	prefix := n.AppID + "-v"
	if n.AppID == "" || !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
		return "", false
	}
	return name[len(prefix):], true
}

// Current reports whether name is one of the current caches.
func (n Names) Current(name string) bool {
	return name == n.Static || name == n.API
}

// Storage is the set of named caches.
type Storage struct {
	log         zerolog.Logger
	repo        domain.CacheRepo
	ignoreQuery map[string]struct{}
}

func NewStorage(log logger.Logger, repo domain.CacheRepo, ignoreQueryParams []string) *Storage {
	s := &Storage{
		log:         log.With().Str("module", "cache").Logger(),
		repo:        repo,
		ignoreQuery: make(map[string]struct{}, len(ignoreQueryParams)),
	}
	for _, p := range ignoreQueryParams {
		s.ignoreQuery[p] = struct{}{}
	}
	return s
}

// Open registers the named cache if needed and returns a handle to it.
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	if err := s.repo.EnsureStore(ctx, name); err != nil {
		return nil, errors.Wrap(err, "could not open cache %s", name)
	}

	return &Cache{name: name, storage: s}, nil
}

// Cache returns a handle without registering the name. Match on an unknown
// cache misses and the first Put registers it.
func (s *Storage) Cache(name string) *Cache {
	return &Cache{name: name, storage: s}
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	return s.repo.HasStore(ctx, name)
}

func (s *Storage) Names(ctx context.Context) ([]string, error) {
	return s.repo.ListStores(ctx)
}

// Delete drops the cache and all of its entries.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	return s.repo.DeleteStore(ctx, name)
}

// Key derives the cache key: method plus the full origin-relative URL.
// Query parameters listed in ignore_query_params are dropped.
func (s *Storage) Key(method, rawURL string) string {
	return method + " " + s.normalizeURL(rawURL)
}

func (s *Storage) normalizeURL(rawURL string) string {
	if len(s.ignoreQuery) == 0 || !strings.Contains(rawURL, "?") {
		return rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	q := u.Query()
	for p := range s.ignoreQuery {
		q.Del(p)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// Cache is a handle to one named cache.
type Cache struct {
	name    string
	storage *Storage
}

func (c *Cache) Name() string {
	return c.name
}

// Match returns a copy of the stored response or nil. Lookup failures and
// corrupt rows are logged and treated as a miss.
func (c *Cache) Match(ctx context.Context, req *domain.Request) *domain.Response {
	key := c.storage.Key(req.Method, req.URL)

	entry, err := c.storage.repo.Get(ctx, c.name, key)
	if err != nil {
		c.storage.log.Warn().Err(err).Str("cache", c.name).Str("key", key).Msg("cache lookup failed, treating as miss")
		return nil
	}
	if entry == nil {
		return nil
	}

	return entry.Response()
}

// Put stores a copy of resp under the request key, replacing any earlier
// entry. Only successful GET responses are stored.
func (c *Cache) Put(ctx context.Context, req *domain.Request, resp *domain.Response) error {
	if req.Method != http.MethodGet || !resp.OK() {
		return errors.Wrap(ErrNotCacheable, "%s %s status %d", req.Method, req.URL, resp.Status)
	}

	stored := resp.Clone()
	entry := domain.CacheEntry{
		CacheName: c.name,
		Key:       c.storage.Key(req.Method, req.URL),
		Method:    req.Method,
		URL:       req.URL,
		Status:    stored.Status,
		Headers:   stored.Headers,
		Body:      stored.Body,
	}

	if err := c.storage.repo.Put(ctx, entry); err != nil {
		return errors.Wrap(err, "could not put %s into %s", entry.Key, c.name)
	}

	c.storage.log.Trace().Str("cache", c.name).Str("key", entry.Key).Msgf("stored %s", humanize.Bytes(uint64(len(entry.Body))))

	return nil
}

func (c *Cache) Delete(ctx context.Context, req *domain.Request) (bool, error) {
	return c.storage.repo.Delete(ctx, c.name, c.storage.Key(req.Method, req.URL))
}

func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	return c.storage.repo.Keys(ctx, c.name)
}
