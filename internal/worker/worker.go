// Package worker dispatches page messages to the queue, the sync
// coordinator and the lifecycle manager.
package worker

import (
	"context"
	"net/http"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/fetch"
	"github.com/flurbudurbur/Kura/internal/lifecycle"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/internal/sync"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Lifecycle interface {
	Version() string
	SkipWaiting(ctx context.Context) (lifecycle.ActivateResult, error)
}

type Syncer interface {
	Drain(ctx context.Context) (domain.SyncReport, error)
	Replay(ctx context.Context, requestID string) (domain.SyncResult, error)
}

type Queue interface {
	Len(ctx context.Context) (int, error)
	Discard(ctx context.Context, requestID string) (bool, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, msg domain.Message) int
}

type Worker struct {
	log       zerolog.Logger
	lifecycle Lifecycle
	sync      Syncer
	queue     Queue
	network   fetch.Network
	clients   Broadcaster
}

func New(log logger.Logger, lc Lifecycle, syncer Syncer, queue Queue, network fetch.Network, clients Broadcaster) *Worker {
	return &Worker{
		log:       log.With().Str("module", "worker").Logger(),
		lifecycle: lc,
		sync:      syncer,
		queue:     queue,
		network:   network,
		clients:   clients,
	}
}

// HandleRaw decodes one message, handles it and encodes the reply. Unknown
// types get an ERROR reply. Malformed input is returned as an error.
func (w *Worker) HandleRaw(ctx context.Context, data []byte) ([]byte, error) {
	env, msg, err := domain.Decode(data)
	if err != nil {
		if !errors.Is(err, domain.ErrUnknownMessage) {
			return nil, err
		}
		w.log.Warn().Str("type", string(env.Type)).Msg("unknown message type")
		return domain.Encode(w.reply(env), domain.ErrorMessage{Message: err.Error()})
	}

	return domain.Encode(w.reply(env), w.Handle(ctx, msg))
}

func (w *Worker) reply(req domain.Envelope) domain.Envelope {
	return domain.Envelope{ID: uuid.NewString(), ReplyTo: req.ID}
}

// Handle answers one decoded message.
func (w *Worker) Handle(ctx context.Context, msg domain.Message) domain.Message {
	w.log.Trace().Str("type", string(msg.MessageType())).Msg("handling message")

	switch m := msg.(type) {
	case domain.SyncRequest:
		return w.syncRequest(ctx, m)

	case domain.GetVersion:
		return domain.VersionResponse{Version: w.lifecycle.Version()}

	case domain.SyncNow:
		report, err := w.sync.Drain(ctx)
		if err != nil {
			return domain.ErrorMessage{Message: err.Error()}
		}
		return domain.SyncComplete{Synced: report.Synced, Failed: report.Failed, Remaining: report.Remaining}

	case domain.DiscardRequest:
		found, err := w.queue.Discard(ctx, m.RequestID)
		if err != nil {
			return domain.ErrorMessage{Message: err.Error()}
		}
		return domain.Discarded{RequestID: m.RequestID, Found: found}

	case domain.GetQueueStatus:
		n, err := w.queue.Len(ctx)
		if err != nil {
			return domain.ErrorMessage{Message: err.Error()}
		}
		return domain.QueueStatus{Pending: n}

	case domain.SkipWaiting:
		if _, err := w.lifecycle.SkipWaiting(ctx); err != nil {
			return domain.ErrorMessage{Message: err.Error()}
		}
		return domain.Ack{}

	default:
		return domain.ErrorMessage{Message: "unexpected message " + string(msg.MessageType())}
	}
}

// syncRequest replays a write on behalf of a page. Known writes go through
// the coordinator so a concurrent drain cannot send them twice. A write that
// is no longer queued was already replayed and is reported as done.
func (w *Worker) syncRequest(ctx context.Context, m domain.SyncRequest) domain.Message {
	out := domain.SyncResponse{Request: m.Request}

	if m.Request.RequestID == "" {
		resp, err := w.network.Do(ctx, m.Request.Request())
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.Status = resp.Status
		out.Success = resp.OK()
		return out
	}

	result, err := w.sync.Replay(ctx, m.Request.RequestID)
	if errors.Is(err, sync.ErrNotQueued) {
		out.Success = true
		out.Status = http.StatusAlreadyReported
		return out
	}
	if err != nil {
		out.Error = err.Error()
		return out
	}

	out.Success = result.Success
	out.Status = result.StatusCode
	out.Error = result.Error
	return out
}

// BackgroundSync handles the background-sync signal: pages are told to
// replay their mirrors and the queue is drained.
func (w *Worker) BackgroundSync(ctx context.Context, tag string) (domain.SyncReport, error) {
	if tag != domain.SyncTag {
		w.log.Debug().Str("tag", tag).Msg("ignoring unknown sync tag")
		return domain.SyncReport{}, nil
	}

	n := w.clients.Broadcast(ctx, domain.SyncOfflineRequests{})
	w.log.Info().Int("clients", n).Msg("background sync started")

	report, err := w.sync.Drain(ctx)
	if err != nil {
		return report, errors.Wrap(err, "background sync failed")
	}

	w.log.Info().Int("synced", report.Synced).Int("failed", report.Failed).Int("remaining", report.Remaining).Msg("background sync finished")
	return report, nil
}
