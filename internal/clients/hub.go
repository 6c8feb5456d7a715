// Package clients tracks connected pages and delivers worker messages to them.
package clients

import (
	"context"
	"sort"
	"sync"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrUnknownClient = errors.New("unknown client")

// Client is one connected page.
type Client interface {
	ID() string
	Post(ctx context.Context, data []byte) error
}

type entry struct {
	client     Client
	controller string
}

type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*entry
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("module", "clients").Logger(),
		clients: make(map[string]*entry),
	}
}

// Register adds c, replacing any earlier client with the same id. A page
// that connects after activation is not controlled until the next claim.
func (h *Hub) Register(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.ID()] = &entry{client: c}
	h.log.Debug().Str("client", c.ID()).Msg("client connected")
}

// Unregister removes the client only if c is still the registered one and
// reports whether it did.
func (h *Hub) Unregister(c Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.clients[c.ID()]
	if !ok || e.client != c {
		return false
	}

	delete(h.clients, c.ID())
	h.log.Debug().Str("client", c.ID()).Msg("client disconnected")
	return true
}

func (h *Hub) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.clients[id]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// IDs returns the connected client ids, sorted.
func (h *Hub) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Claim makes version the controller of every connected client and returns
// how many were claimed.
func (h *Hub) Claim(version string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, e := range h.clients {
		e.controller = version
	}
	return len(h.clients)
}

// Controller returns the version controlling id, empty if unclaimed.
func (h *Hub) Controller(id string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if e, ok := h.clients[id]; ok {
		return e.controller
	}
	return ""
}

// Broadcast posts msg to every connected client and returns the number of
// successful deliveries. Delivery failures are logged.
func (h *Hub) Broadcast(ctx context.Context, msg domain.Message) int {
	data, err := domain.Encode(domain.Envelope{ID: uuid.NewString()}, msg)
	if err != nil {
		h.log.Error().Err(err).Msgf("could not encode %s", msg.MessageType())
		return 0
	}

	h.mu.RLock()
	targets := make([]Client, 0, len(h.clients))
	for _, e := range h.clients {
		targets = append(targets, e.client)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Post(ctx, data); err != nil {
			h.log.Warn().Err(err).Str("client", c.ID()).Msgf("could not deliver %s", msg.MessageType())
			continue
		}
		delivered++
	}

	h.log.Trace().Int("clients", delivered).Msgf("broadcast %s", msg.MessageType())

	return delivered
}

// PostMessage sends msg to a single client.
func (h *Hub) PostMessage(ctx context.Context, id string, env domain.Envelope, msg domain.Message) error {
	h.mu.RLock()
	e, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return errors.Wrap(ErrUnknownClient, id)
	}

	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	data, err := domain.Encode(env, msg)
	if err != nil {
		return err
	}

	return e.client.Post(ctx, data)
}
