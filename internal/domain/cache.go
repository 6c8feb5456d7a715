package domain

import (
	"context"
	"time"
)

type CacheRepo interface {
	// EnsureStore registers a cache name so it is listed even while empty.
	EnsureStore(ctx context.Context, name string) error
	ListStores(ctx context.Context) ([]string, error)
	HasStore(ctx context.Context, name string) (bool, error)
	// DeleteStore removes the store and every entry in it, returns false if
	// no such store existed.
	DeleteStore(ctx context.Context, name string) (bool, error)

	Get(ctx context.Context, cacheName, key string) (*CacheEntry, error)
	// Put replaces any existing entry for the same key.
	Put(ctx context.Context, entry CacheEntry) error
	Delete(ctx context.Context, cacheName, key string) (bool, error)
	Keys(ctx context.Context, cacheName string) ([]string, error)
}

// CacheEntry is one stored response.
type CacheEntry struct {
	CacheName string    `json:"cache_name"`
	Key       string    `json:"key"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Status    int       `json:"status"`
	Headers   Headers   `json:"headers"`
	Body      []byte    `json:"-"`
	StoredAt  time.Time `json:"stored_at"`
}

func (e *CacheEntry) Response() *Response {
	return &Response{
		Status:  e.Status,
		Headers: e.Headers.Clone(),
		Body:    append([]byte(nil), e.Body...),
	}
}
