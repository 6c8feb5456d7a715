package http

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog"
)

// ContextKey is a type for context keys to avoid collisions.
type ContextKey string

const (
	// ClientContextKey holds the page (client) id of the request.
	ClientContextKey ContextKey = "client"

	ClientHeader  = "X-Kura-Client"
	clientSession = "kura_client"
)

// ClientIdentity resolves the page id from the X-Kura-Client header, falling
// back to a session cookie that is issued on first contact.
func ClientIdentity(store sessions.Store, log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(ClientHeader)

			if id == "" {
				session, err := store.Get(r, clientSession)
				if err != nil {
					log.Debug().Err(err).Msg("discarding unreadable client session")
				}

				id, _ = session.Values["id"].(string)
				if id == "" {
					id = uuid.NewString()
					session.Values["id"] = id
					session.Options.HttpOnly = true
					session.Options.SameSite = http.SameSiteLaxMode
					if err := session.Save(r, w); err != nil {
						log.Error().Err(err).Msg("could not save client session")
					}
				}
			}

			ctx := context.WithValue(r.Context(), ClientContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientID(r *http.Request) string {
	id, _ := r.Context().Value(ClientContextKey).(string)
	return id
}

// LoggerMiddleware provides structured logging for HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			reqLogger := logger.With().Logger()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				reqID := middleware.GetReqID(r.Context())

				if rec := recover(); rec != nil {
					reqLogger.Error().
						Str("type", "error").
						Timestamp().
						Interface("recover_info", rec).
						Bytes("debug_stack", debug.Stack()).
						Str("request_id", reqID).
						Msg("Unhandled panic recovered by middleware")
					http.Error(ww, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}

				reqLogger.Trace().
					Str("request_id", reqID).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("took", time.Since(start)).
					Msg("request served")
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
