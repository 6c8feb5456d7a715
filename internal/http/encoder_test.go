package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoder_EmptyStatuses(t *testing.T) {
	enc := encoder{}
	ctx := context.Background()

	tests := []struct {
		name  string
		write func(w http.ResponseWriter)
		want  int
	}{
		{"created", enc.StatusCreated, http.StatusCreated},
		{"no content", enc.NoContent, http.StatusNoContent},
		{"internal error", enc.StatusInternalError, http.StatusInternalServerError},
		{"not found", func(w http.ResponseWriter) { enc.StatusNotFound(ctx, w) }, http.StatusNotFound},
		{"nil body", func(w http.ResponseWriter) { enc.StatusResponse(ctx, w, nil, http.StatusAccepted) }, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.write(rr)

			assert.Equal(t, tt.want, rr.Code)
			assert.Empty(t, rr.Body.String())
		})
	}
}

func TestEncoder_JSONBodies(t *testing.T) {
	enc := encoder{}

	t.Run("status response", func(t *testing.T) {
		rr := httptest.NewRecorder()
		enc.StatusResponse(context.Background(), rr, domain.QueueStatus{Pending: 3}, http.StatusOK)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"pending":3}`, rr.Body.String())
	})

	t.Run("created with data", func(t *testing.T) {
		rr := httptest.NewRecorder()
		enc.StatusCreatedData(rr, map[string]string{"requestId": "r1"})

		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.JSONEq(t, `{"requestId":"r1"}`, rr.Body.String())
	})
}

func TestEncoder_Errors(t *testing.T) {
	enc := encoder{}

	decode := func(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
		t.Helper()
		assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))

		var body errorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		return body
	}

	t.Run("error", func(t *testing.T) {
		rr := httptest.NewRecorder()
		enc.Error(rr, errors.Wrap(errors.New("database is locked"), "could not read offline queue"))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Equal(t, "could not read offline queue: database is locked", decode(t, rr).Message)
	})

	t.Run("status error", func(t *testing.T) {
		rr := httptest.NewRecorder()
		enc.StatusError(rr, http.StatusBadRequest, errors.New("malformed message"))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		body := decode(t, rr)
		assert.Equal(t, "malformed message", body.Message)
		assert.Zero(t, body.Status)
	})
}
