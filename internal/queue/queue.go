package queue

import (
	"context"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotMutating = errors.New("only POST, PUT, PATCH and DELETE requests can be queued")

// Queue is the durable FIFO of writes waiting for connectivity.
type Queue struct {
	log  zerolog.Logger
	repo domain.QueueRepo
	bus  EventBus.BusPublisher
	now  func() time.Time
}

func New(log logger.Logger, repo domain.QueueRepo, bus EventBus.BusPublisher) *Queue {
	return &Queue{
		log:  log.With().Str("module", "queue").Logger(),
		repo: repo,
		bus:  bus,
		now:  time.Now,
	}
}

// Enqueue persists req and announces it on the bus. The announcement is
// delivered to pages asynchronously.
func (q *Queue) Enqueue(ctx context.Context, req *domain.Request) (*domain.QueuedWrite, error) {
	if !domain.IsMutating(req.Method) {
		return nil, errors.Wrap(ErrNotMutating, "%s %s", req.Method, req.URL)
	}

	w := domain.QueuedWrite{
		RequestID: uuid.NewString(),
		URL:       req.URL,
		Method:    req.Method,
		Headers:   req.Headers.Clone(),
		CreatedAt: q.now(),
	}
	if req.Body != nil {
		w.Body = append([]byte(nil), req.Body...)
	}

	stored, err := q.repo.Insert(ctx, w)
	if err != nil {
		return nil, err
	}

	if q.bus != nil {
		q.bus.Publish(domain.TopicRequestStored, stored)
	}

	return stored, nil
}

// List returns the queued writes, oldest first.
func (q *Queue) List(ctx context.Context) ([]domain.QueuedWrite, error) {
	return q.repo.List(ctx)
}

// Get returns nil when id is no longer queued.
func (q *Queue) Get(ctx context.Context, id int64) (*domain.QueuedWrite, error) {
	return q.repo.FindByID(ctx, id)
}

func (q *Queue) FindByRequestID(ctx context.Context, requestID string) (*domain.QueuedWrite, error) {
	return q.repo.FindByRequestID(ctx, requestID)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.repo.Count(ctx)
}

// MarkAttempt records a failed replay. The write stays queued.
func (q *Queue) MarkAttempt(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.repo.MarkAttempt(ctx, id, msg, q.now())
}

// Remove drops a write after a successful replay.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if _, err := q.repo.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "could not remove queued write %d", id)
	}
	return nil
}

// Discard drops a write on user request. It reports whether it was queued.
func (q *Queue) Discard(ctx context.Context, requestID string) (bool, error) {
	found, err := q.repo.DeleteByRequestID(ctx, requestID)
	if err != nil {
		return false, errors.Wrap(err, "could not discard %s", requestID)
	}

	if found {
		q.log.Info().Str("request_id", requestID).Msg("queued write discarded")
	}

	return found, nil
}
