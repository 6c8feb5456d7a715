package events

import (
	"context"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"

	"github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"
)

// Broadcaster fans a message out to every connected page.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg domain.Message) int
}

// Subscriber forwards queue and sync events from the bus to the pages.
type Subscriber struct {
	log      zerolog.Logger
	eventbus EventBus.Bus
	clients  Broadcaster
}

func NewSubscribers(log logger.Logger, eventbus EventBus.Bus, clients Broadcaster) Subscriber {
	s := Subscriber{
		log:      log.With().Str("module", "events").Logger(),
		eventbus: eventbus,
		clients:  clients,
	}

	s.Register()

	return s
}

func (s Subscriber) Register() {
	if err := s.eventbus.SubscribeAsync(domain.TopicRequestStored, s.requestStored, true); err != nil {
		s.log.Error().Err(err).Msgf("failed to subscribe to %s", domain.TopicRequestStored)
	}
	// results and completion stay in publish order
	if err := s.eventbus.Subscribe(domain.TopicSyncResult, s.syncResult); err != nil {
		s.log.Error().Err(err).Msgf("failed to subscribe to %s", domain.TopicSyncResult)
	}
	if err := s.eventbus.Subscribe(domain.TopicSyncComplete, s.syncComplete); err != nil {
		s.log.Error().Err(err).Msgf("failed to subscribe to %s", domain.TopicSyncComplete)
	}
}

func (s Subscriber) requestStored(w *domain.QueuedWrite) {
	if w == nil {
		return
	}

	n := s.clients.Broadcast(context.Background(), domain.StoreOfflineRequest{OfflineRequest: domain.NewOfflineRequest(w)})
	s.log.Trace().Str("requestId", w.RequestID).Int("clients", n).Msg("announced stored request")
}

func (s Subscriber) syncResult(r domain.SyncResult) {
	s.clients.Broadcast(context.Background(), domain.SyncOutcome{Result: r})
}

func (s Subscriber) syncComplete(r domain.SyncReport) {
	n := s.clients.Broadcast(context.Background(), domain.SyncComplete{Synced: r.Synced, Failed: r.Failed, Remaining: r.Remaining})
	s.log.Debug().Int("synced", r.Synced).Int("failed", r.Failed).Int("clients", n).Msg("announced sync completion")
}
