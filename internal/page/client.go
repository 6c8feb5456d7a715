// Package page models a hosting page talking to the worker: it mirrors the
// queued writes announced to it, answers the replay handshake and re-emits
// worker messages on an emitter.
package page

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/emitter"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
)

const ClientHeader = "X-Kura-Client"

// Events emitted on Client.Events.
const (
	EventUpdated   = "sw:updated"
	EventStored    = "offline:stored"
	EventResult    = "sync:result"
	EventCompleted = "sync:completed"
)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithClientID(id string) Option {
	return func(c *Client) { c.id = id }
}

func WithMaxListeners(n int) Option {
	return func(c *Client) { c.events.SetMaxListeners(n) }
}

type Client struct {
	log     zerolog.Logger
	id      string
	baseURL string
	http    *http.Client
	events  *emitter.Emitter

	connected chan struct{}
	connOnce  sync.Once

	mu      sync.Mutex
	mirror  []domain.OfflineRequest
	version string
	runCtx  context.Context
}

// New returns a page client for the worker at baseURL.
func New(log logger.Logger, baseURL string, opts ...Option) *Client {
	c := &Client{
		log:       log.With().Str("module", "page").Logger(),
		id:        uuid.NewString(),
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 30 * time.Second},
		events:    emitter.New(log),
		connected: make(chan struct{}),
		runCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ClientID() string { return c.id }

func (c *Client) Events() *emitter.Emitter { return c.events }

// Connected is closed once the worker stream is open.
func (c *Client) Connected() <-chan struct{} { return c.connected }

// Run listens to the worker stream until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	stream := sse.NewClient(c.baseURL + "/sw/events")
	stream.Headers[ClientHeader] = c.id
	// no client timeout on the long-lived stream
	stream.Connection = &http.Client{Transport: c.http.Transport}
	stream.OnConnect(func(*sse.Client) {
		c.connOnce.Do(func() { close(c.connected) })
	})

	err := stream.SubscribeWithContext(ctx, c.id, c.onEvent)
	if ctx.Err() != nil {
		return nil
	}
	return errors.Wrap(err, "worker stream closed")
}

func (c *Client) onEvent(ev *sse.Event) {
	if len(ev.Data) == 0 {
		return
	}

	_, msg, err := domain.Decode(ev.Data)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping worker message")
		return
	}

	switch m := msg.(type) {
	case domain.SWUpdated:
		c.mu.Lock()
		c.version = m.Version
		c.mu.Unlock()
		c.events.Emit(EventUpdated, m.Version)

	case domain.StoreOfflineRequest:
		c.remember(m.OfflineRequest)
		c.events.Emit(EventStored, m.OfflineRequest)

	case domain.SyncOfflineRequests:
		go c.replayMirror()

	case domain.SyncOutcome:
		if m.Result.Success {
			c.forget(m.Result.RequestID)
		}
		c.events.Emit(EventResult, m.Result)

	case domain.SyncComplete:
		c.events.Emit(EventCompleted, m)

	default:
		c.log.Debug().Str("type", string(msg.MessageType())).Msg("ignoring worker message")
	}
}

func (c *Client) remember(r domain.OfflineRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, existing := range c.mirror {
		if existing.RequestID == r.RequestID {
			c.mirror[i] = r
			return
		}
	}
	c.mirror = append(c.mirror, r)
}

func (c *Client) forget(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.mirror {
		if r.RequestID == requestID {
			c.mirror = append(c.mirror[:i:i], c.mirror[i+1:]...)
			return true
		}
	}
	return false
}

// replayMirror answers SYNC_OFFLINE_REQUESTS with one SYNC_REQUEST per
// mirrored write, oldest first.
func (c *Client) replayMirror() {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()

	for _, r := range c.Pending() {
		resp, err := c.SyncRequest(ctx, r)
		if err != nil {
			c.log.Warn().Err(err).Str("requestId", r.RequestID).Msg("sync request failed")
			continue
		}
		if resp.Success {
			c.forget(r.RequestID)
		}
	}
}

// Pending returns the mirrored writes, oldest first.
func (c *Client) Pending() []domain.OfflineRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]domain.OfflineRequest(nil), c.mirror...)
}

// Version is the last worker version seen, empty before the first check.
func (c *Client) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.version
}

// Send posts msg to the worker and returns its reply. An ERROR reply is
// returned as an error.
func (c *Client) Send(ctx context.Context, msg domain.Message) (domain.Message, error) {
	env := domain.Envelope{ID: uuid.NewString()}
	body, err := domain.Encode(env, msg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sw/message", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "could not build message request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ClientHeader, c.id)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not reach worker")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "could not read worker reply")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("worker answered %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	replyEnv, reply, err := domain.Decode(data)
	if err != nil {
		return nil, err
	}
	if replyEnv.ReplyTo != env.ID {
		return nil, errors.New("reply %q does not answer %q", replyEnv.ReplyTo, env.ID)
	}
	if e, ok := reply.(domain.ErrorMessage); ok {
		return nil, errors.New("worker error: %s", e.Message)
	}

	return reply, nil
}

func (c *Client) SyncRequest(ctx context.Context, r domain.OfflineRequest) (domain.SyncResponse, error) {
	reply, err := c.Send(ctx, domain.SyncRequest{Request: r})
	if err != nil {
		return domain.SyncResponse{}, err
	}
	resp, ok := reply.(domain.SyncResponse)
	if !ok {
		return domain.SyncResponse{}, unexpected(reply)
	}
	return resp, nil
}

// CheckVersion asks the worker for its version and records it.
func (c *Client) CheckVersion(ctx context.Context) (string, error) {
	reply, err := c.Send(ctx, domain.GetVersion{})
	if err != nil {
		return "", err
	}
	v, ok := reply.(domain.VersionResponse)
	if !ok {
		return "", unexpected(reply)
	}

	c.mu.Lock()
	c.version = v.Version
	c.mu.Unlock()

	return v.Version, nil
}

// Drain asks the worker to replay its queue now.
func (c *Client) Drain(ctx context.Context) (domain.SyncComplete, error) {
	reply, err := c.Send(ctx, domain.SyncNow{})
	if err != nil {
		return domain.SyncComplete{}, err
	}
	done, ok := reply.(domain.SyncComplete)
	if !ok {
		return domain.SyncComplete{}, unexpected(reply)
	}
	return done, nil
}

// Discard drops a queued write on the worker and from the mirror.
func (c *Client) Discard(ctx context.Context, requestID string) (bool, error) {
	reply, err := c.Send(ctx, domain.DiscardRequest{RequestID: requestID})
	if err != nil {
		return false, err
	}
	d, ok := reply.(domain.Discarded)
	if !ok {
		return false, unexpected(reply)
	}

	c.forget(requestID)
	return d.Found, nil
}

func (c *Client) QueueStatus(ctx context.Context) (int, error) {
	reply, err := c.Send(ctx, domain.GetQueueStatus{})
	if err != nil {
		return 0, err
	}
	s, ok := reply.(domain.QueueStatus)
	if !ok {
		return 0, unexpected(reply)
	}
	return s.Pending, nil
}

// SkipWaiting asks a waiting worker to activate.
func (c *Client) SkipWaiting(ctx context.Context) error {
	reply, err := c.Send(ctx, domain.SkipWaiting{})
	if err != nil {
		return err
	}
	if _, ok := reply.(domain.Ack); !ok {
		return unexpected(reply)
	}
	return nil
}

func unexpected(m domain.Message) error {
	return errors.New("unexpected reply %s", m.MessageType())
}
