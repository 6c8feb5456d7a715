package database

import (
	"context"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type QueueRepo struct {
	log zerolog.Logger
	db  *DB
}

func NewQueueRepo(log logger.Logger, db *DB) domain.QueueRepo {
	return &QueueRepo{
		log: log.With().Str("repo", "queue").Logger(),
		db:  db,
	}
}

func (r *QueueRepo) Insert(ctx context.Context, w domain.QueuedWrite) (*domain.QueuedWrite, error) {
	headers, err := encodeHeaders(w.Headers)
	if err != nil {
		return nil, err
	}

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}

	row := offlineRequest{
		RequestID: w.RequestID,
		URL:       w.URL,
		Method:    w.Method,
		Headers:   headers,
		Body:      w.Body,
		CreatedAt: w.CreatedAt.UnixMilli(),
	}

	if err := r.db.Get().WithContext(ctx).Create(&row).Error; err != nil {
		return nil, errors.Wrap(err, "could not queue request %s", w.RequestID)
	}
	w.ID = row.ID

	r.log.Debug().Int64("id", w.ID).Str("request_id", w.RequestID).Msgf("queued %s %s", w.Method, w.URL)

	return &w, nil
}

func (r *QueueRepo) List(ctx context.Context) ([]domain.QueuedWrite, error) {
	var rows []offlineRequest
	if err := r.db.Get().WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "could not list offline queue")
	}

	writes := make([]domain.QueuedWrite, 0, len(rows))
	for i := range rows {
		w, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		writes = append(writes, *w)
	}

	return writes, nil
}

func (r *QueueRepo) FindByID(ctx context.Context, id int64) (*domain.QueuedWrite, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *QueueRepo) FindByRequestID(ctx context.Context, requestID string) (*domain.QueuedWrite, error) {
	return r.findOne(ctx, "request_id = ?", requestID)
}

func (r *QueueRepo) findOne(ctx context.Context, query string, arg interface{}) (*domain.QueuedWrite, error) {
	var row offlineRequest
	result := r.db.Get().WithContext(ctx).Where(query, arg).First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(result.Error, "could not read queued request")
	}

	return row.toDomain()
}

func (r *QueueRepo) Count(ctx context.Context) (int, error) {
	var count int64
	if err := r.db.Get().WithContext(ctx).Model(&offlineRequest{}).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "could not count offline queue")
	}

	return int(count), nil
}

func (r *QueueRepo) MarkAttempt(ctx context.Context, id int64, lastError string, at time.Time) error {
	err := r.db.Get().WithContext(ctx).
		Model(&offlineRequest{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + ?", 1),
			"last_error":      lastError,
			"last_attempt_at": at.UnixMilli(),
		}).Error
	if err != nil {
		return errors.Wrap(err, "could not record attempt for %d", id)
	}

	return nil
}

func (r *QueueRepo) Delete(ctx context.Context, id int64) (bool, error) {
	return r.delete(ctx, "id = ?", id)
}

func (r *QueueRepo) DeleteByRequestID(ctx context.Context, requestID string) (bool, error) {
	return r.delete(ctx, "request_id = ?", requestID)
}

func (r *QueueRepo) delete(ctx context.Context, query string, arg interface{}) (bool, error) {
	result := r.db.Get().WithContext(ctx).Where(query, arg).Delete(&offlineRequest{})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "could not delete queued request")
	}

	return result.RowsAffected > 0, nil
}

func (o *offlineRequest) toDomain() (*domain.QueuedWrite, error) {
	headers, err := decodeHeaders(o.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "corrupt queued request %s", o.RequestID)
	}

	w := &domain.QueuedWrite{
		ID:        o.ID,
		RequestID: o.RequestID,
		URL:       o.URL,
		Method:    o.Method,
		Headers:   headers,
		Body:      o.Body,
		CreatedAt: time.UnixMilli(o.CreatedAt),
		Attempts:  o.Attempts,
		LastError: o.LastError,
	}
	if o.LastAttemptAt != nil {
		t := time.UnixMilli(*o.LastAttemptAt)
		w.LastAttemptAt = &t
	}

	return w, nil
}
