package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/lifecycle"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/internal/sync"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSyncer struct {
	mock.Mock
}

func (m *mockSyncer) Drain(ctx context.Context) (domain.SyncReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.SyncReport), args.Error(1)
}

func (m *mockSyncer) Replay(ctx context.Context, requestID string) (domain.SyncResult, error) {
	args := m.Called(ctx, requestID)
	return args.Get(0).(domain.SyncResult), args.Error(1)
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Len(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockQueue) Discard(ctx context.Context, requestID string) (bool, error) {
	args := m.Called(ctx, requestID)
	return args.Bool(0), args.Error(1)
}

type stubLifecycle struct {
	err       error
	activated int
}

func (l *stubLifecycle) Version() string { return "1.4.0" }

func (l *stubLifecycle) SkipWaiting(context.Context) (lifecycle.ActivateResult, error) {
	l.activated++
	return lifecycle.ActivateResult{}, l.err
}

type stubNetwork struct {
	status int
	err    error
	seen   []*domain.Request
}

func (n *stubNetwork) Do(_ context.Context, req *domain.Request) (*domain.Response, error) {
	n.seen = append(n.seen, req)
	if n.err != nil {
		return nil, n.err
	}
	return &domain.Response{Status: n.status}, nil
}

type stubClients struct {
	sent []domain.Message
}

func (c *stubClients) Broadcast(_ context.Context, msg domain.Message) int {
	c.sent = append(c.sent, msg)
	return 1
}

type fixture struct {
	worker    *Worker
	syncer    *mockSyncer
	queue     *mockQueue
	lifecycle *stubLifecycle
	network   *stubNetwork
	clients   *stubClients
}

func newFixture() *fixture {
	f := &fixture{
		syncer:    new(mockSyncer),
		queue:     new(mockQueue),
		lifecycle: &stubLifecycle{},
		network:   &stubNetwork{status: 201},
		clients:   &stubClients{},
	}
	f.worker = New(logger.Mock(), f.lifecycle, f.syncer, f.queue, f.network, f.clients)
	return f
}

func TestWorker_HandleRaw(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	t.Run("reply carries replyTo", func(t *testing.T) {
		out, err := f.worker.HandleRaw(ctx, []byte(`{"type":"GET_VERSION","id":"m-1"}`))
		require.NoError(t, err)

		env, msg, err := domain.Decode(out)
		require.NoError(t, err)
		assert.Equal(t, "m-1", env.ReplyTo)
		assert.NotEmpty(t, env.ID)
		assert.Equal(t, domain.VersionResponse{Version: "1.4.0"}, msg)
	})

	t.Run("unknown type", func(t *testing.T) {
		out, err := f.worker.HandleRaw(ctx, []byte(`{"type":"FLY","id":"m-2"}`))
		require.NoError(t, err)

		var raw map[string]interface{}
		require.NoError(t, json.Unmarshal(out, &raw))
		assert.Equal(t, "ERROR", raw["type"])
		assert.Equal(t, "m-2", raw["replyTo"])
		assert.Contains(t, raw["message"], "FLY")
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := f.worker.HandleRaw(ctx, []byte(`{"type":`))
		assert.Error(t, err)
	})
}

func TestWorker_SyncRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("queued write goes through the coordinator", func(t *testing.T) {
		f := newFixture()
		f.syncer.On("Replay", ctx, "r-1").Return(domain.SyncResult{RequestID: "r-1", Success: true, StatusCode: 200}, nil)

		req := domain.OfflineRequest{RequestID: "r-1", URL: "/api/x", Method: "POST"}
		got := f.worker.Handle(ctx, domain.SyncRequest{Request: req})
		assert.Equal(t, domain.SyncResponse{Success: true, Status: 200, Request: req}, got)
		assert.Empty(t, f.network.seen)
	})

	t.Run("already replayed", func(t *testing.T) {
		f := newFixture()
		f.syncer.On("Replay", ctx, "r-2").Return(domain.SyncResult{RequestID: "r-2"}, errors.Wrap(sync.ErrNotQueued, "r-2"))

		got := f.worker.Handle(ctx, domain.SyncRequest{Request: domain.OfflineRequest{RequestID: "r-2"}}).(domain.SyncResponse)
		assert.True(t, got.Success)
		assert.Equal(t, 208, got.Status)
	})

	t.Run("failed replay", func(t *testing.T) {
		f := newFixture()
		f.syncer.On("Replay", ctx, "r-3").Return(domain.SyncResult{RequestID: "r-3", StatusCode: 500, Error: "upstream answered 500"}, nil)

		got := f.worker.Handle(ctx, domain.SyncRequest{Request: domain.OfflineRequest{RequestID: "r-3"}}).(domain.SyncResponse)
		assert.False(t, got.Success)
		assert.Equal(t, 500, got.Status)
		assert.Equal(t, "upstream answered 500", got.Error)
	})

	t.Run("request without id is sent as is", func(t *testing.T) {
		f := newFixture()
		req := domain.OfflineRequest{URL: "/api/y", Method: "PUT", Body: []byte(`{"a":1}`)}

		got := f.worker.Handle(ctx, domain.SyncRequest{Request: req}).(domain.SyncResponse)
		assert.True(t, got.Success)
		assert.Equal(t, 201, got.Status)
		require.Len(t, f.network.seen, 1)
		assert.Equal(t, []byte(`{"a":1}`), f.network.seen[0].Body)

		f.network.err = errors.New("connection refused")
		got = f.worker.Handle(ctx, domain.SyncRequest{Request: req}).(domain.SyncResponse)
		assert.False(t, got.Success)
		assert.Contains(t, got.Error, "connection refused")
	})
}

func TestWorker_QueueMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.syncer.On("Drain", ctx).Return(domain.SyncReport{Synced: 2, Failed: 1, Remaining: 1}, nil).Once()
	assert.Equal(t, domain.SyncComplete{Synced: 2, Failed: 1, Remaining: 1}, f.worker.Handle(ctx, domain.SyncNow{}))

	f.queue.On("Discard", ctx, "r-9").Return(true, nil).Once()
	assert.Equal(t, domain.Discarded{RequestID: "r-9", Found: true}, f.worker.Handle(ctx, domain.DiscardRequest{RequestID: "r-9"}))

	f.queue.On("Len", ctx).Return(0, assert.AnError).Once()
	assert.IsType(t, domain.ErrorMessage{}, f.worker.Handle(ctx, domain.GetQueueStatus{}))

	f.queue.On("Len", ctx).Return(3, nil).Once()
	assert.Equal(t, domain.QueueStatus{Pending: 3}, f.worker.Handle(ctx, domain.GetQueueStatus{}))

	f.syncer.AssertExpectations(t)
	f.queue.AssertExpectations(t)
}

func TestWorker_SkipWaiting(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	assert.Equal(t, domain.Ack{}, f.worker.Handle(ctx, domain.SkipWaiting{}))
	assert.Equal(t, 1, f.lifecycle.activated)

	f.lifecycle.err = lifecycle.ErrNotInstalled
	assert.Equal(t, domain.ErrorMessage{Message: lifecycle.ErrNotInstalled.Error()}, f.worker.Handle(ctx, domain.SkipWaiting{}))
}

func TestWorker_UnexpectedDirection(t *testing.T) {
	f := newFixture()
	got := f.worker.Handle(context.Background(), domain.SWUpdated{Version: "2"})
	assert.Equal(t, domain.ErrorMessage{Message: "unexpected message SW_UPDATED"}, got)
}

func TestWorker_BackgroundSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.syncer.On("Drain", ctx).Return(domain.SyncReport{Synced: 1}, nil).Once()

	report, err := f.worker.BackgroundSync(ctx, domain.SyncTag)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, []domain.Message{domain.SyncOfflineRequests{}}, f.clients.sent)

	_, err = f.worker.BackgroundSync(ctx, "other-tag")
	require.NoError(t, err)
	f.syncer.AssertNumberOfCalls(t, "Drain", 1)
}
