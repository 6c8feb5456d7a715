package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/flurbudurbur/Kura/internal/database"
	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/internal/queue"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingNetwork records replays and answers with a per-URL status.
type recordingNetwork struct {
	mu       gosync.Mutex
	offline  bool
	status   map[string]int
	seen     []*domain.Request
	onCall   func(*domain.Request)
	inflight int
	maxSeen  int
}

func (n *recordingNetwork) Do(_ context.Context, req *domain.Request) (*domain.Response, error) {
	n.mu.Lock()
	n.seen = append(n.seen, req)
	n.inflight++
	if n.inflight > n.maxSeen {
		n.maxSeen = n.inflight
	}
	offline, hook := n.offline, n.onCall
	status, ok := n.status[req.URL]
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.inflight--
		n.mu.Unlock()
	}()

	if hook != nil {
		hook(req)
	}
	if offline {
		return nil, errors.New("connection refused")
	}
	if !ok {
		status = 200
	}
	return &domain.Response{Status: status}, nil
}

func (n *recordingNetwork) urls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.seen))
	for _, r := range n.seen {
		out = append(out, r.Method+" "+r.URL)
	}
	return out
}

func setup(t *testing.T, network *recordingNetwork, bus EventBus.Bus) (*Coordinator, *queue.Queue) {
	t.Helper()

	log := logger.Mock()
	db, err := database.NewDB(&domain.Config{ConfigPath: t.TempDir(), Database: domain.DatabaseConfig{Type: "sqlite"}}, log)
	require.NoError(t, err)
	require.NoError(t, db.Open())
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(log, database.NewQueueRepo(log, db), bus)
	return NewCoordinator(log, q, network, bus, time.Second), q
}

func enqueue(t *testing.T, q *queue.Queue, method, url, body string) *domain.QueuedWrite {
	t.Helper()
	req := &domain.Request{Method: method, URL: url, Headers: domain.Headers{{Name: "X-Trace", Value: url}}}
	if body != "" {
		req.Body = []byte(body)
	}
	w, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return w
}

func TestCoordinator_DrainReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	network := &recordingNetwork{}
	c, q := setup(t, network, nil)

	enqueue(t, q, "POST", "/api/a", `{"n":1}`)
	enqueue(t, q, "PUT", "/api/b", `{"n":2}`)
	enqueue(t, q, "DELETE", "/api/c", "")

	report, err := c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Synced)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 0, report.Remaining)
	assert.Equal(t, []string{"POST /api/a", "PUT /api/b", "DELETE /api/c"}, network.urls())

	replayed := network.seen[0]
	assert.Equal(t, []byte(`{"n":1}`), replayed.Body)
	assert.Equal(t, "/api/a", replayed.Headers.Get("X-Trace"))
	assert.Nil(t, network.seen[2].Body)

	for _, r := range report.Results {
		assert.True(t, r.Success)
		assert.Equal(t, 200, r.StatusCode)
	}
}

func TestCoordinator_FailuresStayQueued(t *testing.T) {
	ctx := context.Background()
	network := &recordingNetwork{status: map[string]int{"/api/bad": 500}}
	c, q := setup(t, network, nil)

	enqueue(t, q, "POST", "/api/good", "")
	bad := enqueue(t, q, "POST", "/api/bad", "")

	report, err := c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Remaining)

	failed := report.Results[1]
	assert.False(t, failed.Success)
	assert.Equal(t, bad.RequestID, failed.RequestID)
	assert.Equal(t, 500, failed.StatusCode)
	assert.Contains(t, failed.Error, "500")

	network.mu.Lock()
	network.offline = true
	network.mu.Unlock()

	report, err = c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	list, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Attempts)
	assert.Contains(t, list[0].LastError, "connection refused")
	assert.NotNil(t, list[0].LastAttemptAt)
}

func TestCoordinator_EnqueueDuringDrainWaitsForNextPass(t *testing.T) {
	ctx := context.Background()
	network := &recordingNetwork{}
	c, q := setup(t, network, nil)

	enqueue(t, q, "POST", "/api/first", "")

	var once gosync.Once
	network.onCall = func(*domain.Request) {
		once.Do(func() { enqueue(t, q, "POST", "/api/late", "") })
	}

	report, err := c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Remaining)

	report, err = c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 0, report.Remaining)
	assert.Equal(t, []string{"POST /api/first", "POST /api/late"}, network.urls())
}

func TestCoordinator_ConcurrentDrainsNeverDuplicate(t *testing.T) {
	ctx := context.Background()
	network := &recordingNetwork{}
	c, q := setup(t, network, nil)

	for i := 0; i < 5; i++ {
		enqueue(t, q, "POST", fmt.Sprintf("/api/%d", i), "")
	}

	var wg gosync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Drain(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, network.urls(), 5)
	assert.Equal(t, 1, network.maxSeen)
}

func TestCoordinator_Replay(t *testing.T) {
	ctx := context.Background()
	bus := EventBus.New()
	results := make(chan domain.SyncResult, 4)
	require.NoError(t, bus.Subscribe(domain.TopicSyncResult, func(r domain.SyncResult) { results <- r }))

	network := &recordingNetwork{}
	c, q := setup(t, network, bus)

	w := enqueue(t, q, "PATCH", "/api/x", `{}`)

	result, err := c.Replay(ctx, w.RequestID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, w.RequestID, (<-results).RequestID)

	_, err = c.Replay(ctx, w.RequestID)
	assert.True(t, errors.Is(err, ErrNotQueued))
}

func TestCoordinator_PublishesCompletion(t *testing.T) {
	bus := EventBus.New()
	done := make(chan domain.SyncReport, 1)
	require.NoError(t, bus.Subscribe(domain.TopicSyncComplete, func(r domain.SyncReport) { done <- r }))

	c, q := setup(t, &recordingNetwork{}, bus)
	enqueue(t, q, "POST", "/api/x", "")

	_, err := c.Drain(context.Background())
	require.NoError(t, err)

	select {
	case r := <-done:
		assert.Equal(t, 1, r.Synced)
	case <-time.After(time.Second):
		t.Fatal("completion not published")
	}
}

// flakyRemoveStore fails the first failures deletes.
type flakyRemoveStore struct {
	*queue.Queue
	failures int
	calls    int
}

func (s *flakyRemoveStore) Remove(ctx context.Context, id int64) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("database is locked")
	}
	return s.Queue.Remove(ctx, id)
}

func TestCoordinator_RemoveAfterReplay(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure is retried", func(t *testing.T) {
		network := &recordingNetwork{}
		_, q := setup(t, network, nil)
		store := &flakyRemoveStore{Queue: q, failures: 2}
		c := NewCoordinator(logger.Mock(), store, network, nil, time.Second)
		enqueue(t, q, "POST", "/api/x", `{}`)

		report, err := c.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Synced)
		assert.Equal(t, 0, report.Remaining)
		assert.Equal(t, 3, store.calls)
	})

	t.Run("write left queued is not reported synced", func(t *testing.T) {
		network := &recordingNetwork{}
		_, q := setup(t, network, nil)
		store := &flakyRemoveStore{Queue: q, failures: removeAttempts}
		c := NewCoordinator(logger.Mock(), store, network, nil, time.Second)
		w := enqueue(t, q, "POST", "/api/x", `{}`)

		report, err := c.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Synced)
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, 1, report.Remaining)
		require.Len(t, report.Results, 1)
		assert.False(t, report.Results[0].Success)
		assert.Equal(t, 200, report.Results[0].StatusCode)
		assert.Contains(t, report.Results[0].Error, "database is locked")

		still, err := q.FindByRequestID(ctx, w.RequestID)
		require.NoError(t, err)
		require.NotNil(t, still)
		assert.Zero(t, still.Attempts)
	})
}
