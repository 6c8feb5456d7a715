package database

import (
	"context"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CacheRepo struct {
	log zerolog.Logger
	db  *DB
}

func NewCacheRepo(log logger.Logger, db *DB) domain.CacheRepo {
	return &CacheRepo{
		log: log.With().Str("repo", "cache").Logger(),
		db:  db,
	}
}

func (r *CacheRepo) EnsureStore(ctx context.Context, name string) error {
	return ensureStore(r.db.Get().WithContext(ctx), name)
}

func ensureStore(tx *gorm.DB, name string) error {
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&cacheStore{Name: name}).Error
	if err != nil {
		return errors.Wrap(err, "could not register cache %q", name)
	}

	return nil
}

func (r *CacheRepo) ListStores(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	err := r.db.Get().WithContext(ctx).
		Model(&cacheStore{}).
		Order("created_at ASC, name ASC").
		Pluck("name", &names).Error
	if err != nil {
		return nil, errors.Wrap(err, "could not list caches")
	}

	return names, nil
}

func (r *CacheRepo) HasStore(ctx context.Context, name string) (bool, error) {
	var count int64
	err := r.db.Get().WithContext(ctx).
		Model(&cacheStore{}).
		Where("name = ?", name).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "could not look up cache %q", name)
	}

	return count > 0, nil
}

func (r *CacheRepo) DeleteStore(ctx context.Context, name string) (bool, error) {
	var deleted bool

	err := r.db.Get().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("cache_name = ?", name).Delete(&cacheEntry{}).Error; err != nil {
			return errors.Wrap(err, "could not delete entries of cache %q", name)
		}

		result := tx.Where("name = ?", name).Delete(&cacheStore{})
		if result.Error != nil {
			return errors.Wrap(result.Error, "could not delete cache %q", name)
		}
		deleted = result.RowsAffected > 0

		return nil
	})
	if err != nil {
		return false, err
	}

	r.log.Debug().Str("cache", name).Bool("existed", deleted).Msg("cache deleted")

	return deleted, nil
}

func (r *CacheRepo) Get(ctx context.Context, cacheName, key string) (*domain.CacheEntry, error) {
	var row cacheEntry
	result := r.db.Get().WithContext(ctx).
		Where("cache_name = ? AND cache_key = ?", cacheName, key).
		First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(result.Error, "could not read cache entry %q", key)
	}

	headers, err := decodeHeaders(row.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "corrupt cache entry %q", key)
	}

	return &domain.CacheEntry{
		CacheName: row.CacheName,
		Key:       row.Key,
		Method:    row.Method,
		URL:       row.URL,
		Status:    row.Status,
		Headers:   headers,
		Body:      row.Body,
		StoredAt:  time.UnixMilli(row.StoredAt),
	}, nil
}

// Put registers the store and replaces any entry under the same key in one
// transaction.
func (r *CacheRepo) Put(ctx context.Context, entry domain.CacheEntry) error {
	headers, err := encodeHeaders(entry.Headers)
	if err != nil {
		return err
	}

	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}

	row := cacheEntry{
		CacheName: entry.CacheName,
		Key:       entry.Key,
		Method:    entry.Method,
		URL:       entry.URL,
		Status:    entry.Status,
		Headers:   headers,
		Body:      entry.Body,
		StoredAt:  entry.StoredAt.UnixMilli(),
	}

	return r.db.Get().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureStore(tx, entry.CacheName); err != nil {
			return err
		}

		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return errors.Wrap(err, "could not store cache entry %q", entry.Key)
		}

		return nil
	})
}

func (r *CacheRepo) Delete(ctx context.Context, cacheName, key string) (bool, error) {
	result := r.db.Get().WithContext(ctx).
		Where("cache_name = ? AND cache_key = ?", cacheName, key).
		Delete(&cacheEntry{})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "could not delete cache entry %q", key)
	}

	return result.RowsAffected > 0, nil
}

func (r *CacheRepo) Keys(ctx context.Context, cacheName string) ([]string, error) {
	keys := make([]string, 0)
	err := r.db.Get().WithContext(ctx).
		Model(&cacheEntry{}).
		Where("cache_name = ?", cacheName).
		Order("stored_at ASC, cache_key ASC").
		Pluck("cache_key", &keys).Error
	if err != nil {
		return nil, errors.Wrap(err, "could not list keys of cache %q", cacheName)
	}

	return keys, nil
}
