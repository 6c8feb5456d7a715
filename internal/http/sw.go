package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/flurbudurbur/Kura/internal/cache"
	"github.com/flurbudurbur/Kura/internal/clients"
	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/internal/scheduler"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const maxMessageSize = 1 << 20

type messageHandler interface {
	HandleRaw(ctx context.Context, data []byte) ([]byte, error)
}

type clientRegistry interface {
	Register(c clients.Client)
	Unregister(c clients.Client) bool
}

type queueService interface {
	List(ctx context.Context) ([]domain.QueuedWrite, error)
	Discard(ctx context.Context, requestID string) (bool, error)
}

type drainer interface {
	Drain(ctx context.Context) (domain.SyncReport, error)
}

type jobSchedule interface {
	GetNextRun(id string) (time.Time, error)
}

type cacheInspector interface {
	Names(ctx context.Context) ([]string, error)
	Cache(name string) *cache.Cache
}

type swHandler struct {
	log     zerolog.Logger
	encoder encoder

	worker   messageHandler
	clients  clientRegistry
	sse      *sse.Server
	queue    queueService
	sync     drainer
	caches   cacheInspector
	current  cache.Names
	schedule jobSchedule
}

func (h swHandler) Routes(r chi.Router) {
	r.Post("/message", h.message)
	r.Get("/ws", h.socket)
	r.Get("/events", h.events)
	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.listQueue)
		r.Post("/drain", h.drain)
		r.Delete("/{requestID}", h.discard)
	})
	r.Get("/caches", h.listCaches)
}

func (h swHandler) message(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		h.encoder.StatusError(w, http.StatusBadRequest, err)
		return
	}

	reply, err := h.worker.HandleRaw(r.Context(), data)
	if err != nil {
		h.encoder.StatusError(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

// events serves the page's own stream, or the log stream when asked for it.
func (h swHandler) events(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") == logger.LogStream {
		h.sse.ServeHTTP(w, r)
		return
	}

	id := clientID(r)
	q := r.URL.Query()
	q.Set("stream", id)
	r.URL.RawQuery = q.Encode()

	c := clients.NewStreamClient(id, h.sse)
	h.clients.Register(c)

	h.sse.ServeHTTP(w, r)

	if h.clients.Unregister(c) {
		c.Close()
	}
}

// socketClient delivers worker messages over a page's WebSocket.
type socketClient struct {
	id   string
	conn *websocket.Conn
}

func (c *socketClient) ID() string { return c.id }

func (c *socketClient) Post(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (h swHandler) socket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// any origin, matching the CORS policy
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	conn.SetReadLimit(maxMessageSize)

	c := &socketClient{id: clientID(r), conn: conn}
	h.clients.Register(c)
	defer h.clients.Unregister(c)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				conn.Close(websocket.StatusNormalClosure, "")
			default:
				h.log.Debug().Err(err).Str("client", c.id).Msg("websocket closed")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		reply, err := h.worker.HandleRaw(ctx, data)
		if err != nil {
			reply, err = domain.Encode(domain.Envelope{}, domain.ErrorMessage{Message: err.Error()})
			if err != nil {
				return
			}
		}

		if err := c.Post(ctx, reply); err != nil {
			h.log.Debug().Err(err).Str("client", c.id).Msg("could not write websocket reply")
			return
		}
	}
}

type queueItem struct {
	domain.OfflineRequest
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

type queueResponse struct {
	Count     int         `json:"count"`
	Items     []queueItem `json:"items"`
	NextDrain *time.Time  `json:"nextDrain,omitempty"`
	NextCheck *time.Time  `json:"nextCheck,omitempty"`
}

func (h swHandler) listQueue(w http.ResponseWriter, r *http.Request) {
	writes, err := h.queue.List(r.Context())
	if err != nil {
		h.encoder.Error(w, err)
		return
	}

	resp := queueResponse{Count: len(writes), Items: make([]queueItem, 0, len(writes))}
	for i := range writes {
		resp.Items = append(resp.Items, queueItem{
			OfflineRequest: domain.NewOfflineRequest(&writes[i]),
			Attempts:       writes[i].Attempts,
			LastError:      writes[i].LastError,
			LastAttemptAt:  writes[i].LastAttemptAt,
		})
	}
	resp.NextDrain = h.nextRun(scheduler.DrainJob)
	resp.NextCheck = h.nextRun(scheduler.ConnectivityJob)

	render.JSON(w, r, resp)
}

func (h swHandler) nextRun(job string) *time.Time {
	if h.schedule == nil {
		return nil
	}

	next, err := h.schedule.GetNextRun(job)
	if err != nil || next.IsZero() {
		return nil
	}
	return &next
}

func (h swHandler) discard(w http.ResponseWriter, r *http.Request) {
	found, err := h.queue.Discard(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		h.encoder.Error(w, err)
		return
	}
	if !found {
		h.encoder.StatusNotFound(r.Context(), w)
		return
	}

	h.encoder.NoContent(w)
}

func (h swHandler) drain(w http.ResponseWriter, r *http.Request) {
	report, err := h.sync.Drain(r.Context())
	if err != nil {
		h.encoder.Error(w, errors.Wrap(err, "drain failed"))
		return
	}

	render.JSON(w, r, report)
}

type cacheInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

func (h swHandler) listCaches(w http.ResponseWriter, r *http.Request) {
	names, err := h.caches.Names(r.Context())
	if err != nil {
		h.encoder.Error(w, err)
		return
	}

	out := make([]cacheInfo, 0, len(names))
	for _, name := range names {
		keys, err := h.caches.Cache(name).Keys(r.Context())
		if err != nil {
			h.encoder.Error(w, err)
			return
		}
		out = append(out, cacheInfo{Name: name, Entries: len(keys), Current: h.current.Current(name)})
	}

	render.JSON(w, r, out)
}
