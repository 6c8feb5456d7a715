// Package sync replays queued writes against the upstream.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/fetch"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"
)

var ErrNotQueued = errors.New("request is not queued")

// Store is the part of the offline queue the coordinator drives.
type Store interface {
	List(ctx context.Context) ([]domain.QueuedWrite, error)
	FindByRequestID(ctx context.Context, requestID string) (*domain.QueuedWrite, error)
	Len(ctx context.Context) (int, error)
	MarkAttempt(ctx context.Context, id int64, cause error) error
	Remove(ctx context.Context, id int64) error
}

type Coordinator struct {
	log     zerolog.Logger
	queue   Store
	network fetch.Network
	bus     EventBus.BusPublisher
	timeout time.Duration

	// one drain at a time
	mu gosync.Mutex
}

// NewCoordinator builds a coordinator. timeout bounds each replayed request,
// zero leaves it to the caller's context.
func NewCoordinator(log logger.Logger, queue Store, network fetch.Network, bus EventBus.BusPublisher, timeout time.Duration) *Coordinator {
	return &Coordinator{
		log:     log.With().Str("module", "sync").Logger(),
		queue:   queue,
		network: network,
		bus:     bus,
		timeout: timeout,
	}
}

// Drain replays a snapshot of the queue in FIFO order. Writes enqueued while
// a drain runs are left for the next one.
func (c *Coordinator) Drain(ctx context.Context) (domain.SyncReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := domain.SyncReport{Results: make([]domain.SyncResult, 0)}

	items, err := c.queue.List(ctx)
	if err != nil {
		return report, errors.Wrap(err, "could not read offline queue")
	}

	if len(items) > 0 {
		c.log.Info().Msgf("replaying %d queued writes", len(items))
	}

	for i := range items {
		if ctx.Err() != nil {
			break
		}

		result := c.replay(ctx, &items[i])
		report.Results = append(report.Results, result)
		if result.Success {
			report.Synced++
		} else {
			report.Failed++
		}
		c.publish(domain.TopicSyncResult, result)
	}

	remaining, err := c.queue.Len(context.WithoutCancel(ctx))
	if err != nil {
		c.log.Error().Err(err).Msg("could not count remaining writes")
	}
	report.Remaining = remaining

	c.log.Info().Int("synced", report.Synced).Int("failed", report.Failed).Int("remaining", report.Remaining).Msg("drain finished")
	c.publish(domain.TopicSyncComplete, report)

	if err := ctx.Err(); err != nil {
		return report, errors.Wrap(err, "drain interrupted")
	}

	return report, nil
}

// Replay replays one queued write under the drain lock.
func (c *Coordinator) Replay(ctx context.Context, requestID string) (domain.SyncResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, err := c.queue.FindByRequestID(ctx, requestID)
	if err != nil {
		return domain.SyncResult{RequestID: requestID}, errors.Wrap(err, "could not look up %s", requestID)
	}
	if w == nil {
		return domain.SyncResult{RequestID: requestID}, errors.Wrap(ErrNotQueued, requestID)
	}

	result := c.replay(ctx, w)
	c.publish(domain.TopicSyncResult, result)

	return result, nil
}

func (c *Coordinator) replay(ctx context.Context, w *domain.QueuedWrite) domain.SyncResult {
	result := domain.SyncResult{RequestID: w.RequestID}

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.network.Do(reqCtx, w.Request())
	if err == nil {
		result.StatusCode = resp.Status
		if !resp.OK() {
			err = errors.New("upstream answered %d", resp.Status)
		}
	}

	// a cancelled drain must not count against the write
	if err != nil && ctx.Err() != nil {
		result.Error = ctx.Err().Error()
		return result
	}

	if err != nil {
		result.Error = err.Error()
		if markErr := c.queue.MarkAttempt(ctx, w.ID, err); markErr != nil {
			c.log.Error().Err(markErr).Str("request_id", w.RequestID).Msg("could not record replay attempt")
		}
		c.log.Warn().Err(err).Str("request_id", w.RequestID).Int("attempt", w.Attempts+1).Msgf("replay of %s %s failed", w.Method, w.URL)
		return result
	}

	// the upstream already has the write, so the delete outlives a cancelled drain
	if err := c.remove(context.WithoutCancel(ctx), w.ID); err != nil {
		c.log.Error().Err(err).Str("request_id", w.RequestID).Msg("replayed write could not be removed, it will be sent again")
		result.Error = errors.Wrap(err, "replayed but still queued").Error()
		return result
	}

	result.Success = true
	c.log.Debug().Str("request_id", w.RequestID).Int("status", resp.Status).Msgf("replayed %s %s", w.Method, w.URL)

	return result
}

const removeAttempts = 3

func (c *Coordinator) remove(ctx context.Context, id int64) error {
	var err error
	for attempt := 1; attempt <= removeAttempts; attempt++ {
		if err = c.queue.Remove(ctx, id); err == nil {
			return nil
		}
		if attempt < removeAttempts {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
	}
	return err
}

func (c *Coordinator) publish(topic string, arg interface{}) {
	if c.bus != nil {
		c.bus.Publish(topic, arg)
	}
}
