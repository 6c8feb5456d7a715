package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// DBPinger defines an interface for types that can be pinged.
type DBPinger interface {
	Ping() error
}

type healthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
	Error    string `json:"error,omitempty"`
}

type healthHandler struct {
	encoder  encoder
	dbPinger DBPinger
}

func newHealthHandler(encoder encoder, dbPinger DBPinger) *healthHandler {
	return &healthHandler{
		encoder:  encoder,
		dbPinger: dbPinger,
	}
}

func (h healthHandler) Routes(r chi.Router) {
	r.Get("/liveness", h.handleLiveness)
	r.Get("/readiness", h.handleReadiness)
}

func (h healthHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.encoder.StatusResponse(r.Context(), w, healthStatus{Status: "ok"}, http.StatusOK)
}

// handleReadiness fails while the cache and queue store is unreachable.
func (h healthHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := h.dbPinger.Ping(); err != nil {
		h.encoder.StatusResponse(r.Context(), w, healthStatus{
			Status:   "unavailable",
			Database: "unreachable",
			Error:    err.Error(),
		}, http.StatusServiceUnavailable)
		return
	}

	h.encoder.StatusResponse(r.Context(), w, healthStatus{Status: "ok", Database: "ok"}, http.StatusOK)
}
