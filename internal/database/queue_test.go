package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewQueueRepo(logger.Mock(), setupTestDB(t))

	first, err := repo.Insert(ctx, domain.QueuedWrite{
		RequestID: "r1",
		URL:       "/api/v1/inspections",
		Method:    "POST",
		Headers:   domain.Headers{{Name: "Content-Type", Value: "application/json"}},
		Body:      []byte(`{"title":"a"}`),
	})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	second, err := repo.Insert(ctx, domain.QueuedWrite{RequestID: "r2", URL: "/api/v1/inspections/4", Method: "DELETE"})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	t.Run("duplicate request id", func(t *testing.T) {
		_, err := repo.Insert(ctx, domain.QueuedWrite{RequestID: "r1", URL: "/api/x", Method: "POST"})
		assert.Error(t, err)
	})

	t.Run("list is fifo", func(t *testing.T) {
		list, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "r1", list[0].RequestID)
		assert.Equal(t, []byte(`{"title":"a"}`), list[0].Body)
		assert.Nil(t, list[1].Body)
		assert.Nil(t, list[0].LastAttemptAt)
	})

	t.Run("mark attempt", func(t *testing.T) {
		at := time.UnixMilli(1700000000123)
		require.NoError(t, repo.MarkAttempt(ctx, first.ID, "connection refused", at))
		require.NoError(t, repo.MarkAttempt(ctx, first.ID, "status 503", at))

		w, err := repo.FindByID(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, w.Attempts)
		assert.Equal(t, "status 503", w.LastError)
		require.NotNil(t, w.LastAttemptAt)
		assert.True(t, at.Equal(*w.LastAttemptAt))
	})

	t.Run("find by request id", func(t *testing.T) {
		w, err := repo.FindByRequestID(ctx, "r2")
		require.NoError(t, err)
		assert.Equal(t, second.ID, w.ID)

		w, err = repo.FindByRequestID(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, w)
	})

	t.Run("delete", func(t *testing.T) {
		ok, err := repo.DeleteByRequestID(ctx, "r2")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Delete(ctx, second.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := repo.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestQueueRepo_ConcurrentInsertsAllPersist(t *testing.T) {
	ctx := context.Background()
	repo := NewQueueRepo(logger.Mock(), setupTestDB(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Insert(ctx, domain.QueuedWrite{
				RequestID: fmt.Sprintf("r%d", i), URL: "/api/x", Method: "POST",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}
