package http

import (
	"context"
	"io"
	"net/http"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/fetch"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/rs/zerolog"
)

const maxRequestBody = 32 << 20

type fetcher interface {
	Fetch(ctx context.Context, req *domain.Request) (*domain.Response, error)
}

// proxyHandler hands every page request outside /sw to the interceptor.
type proxyHandler struct {
	log     zerolog.Logger
	fetcher fetcher
}

func newProxyHandler(log zerolog.Logger, fetcher fetcher) *proxyHandler {
	return &proxyHandler{log: log, fetcher: fetcher}
}

func (h proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := toDomainRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.fetcher.Fetch(r.Context(), req)
	if err != nil {
		if errors.Is(err, fetch.ErrNetwork) {
			h.log.Debug().Err(err).Msgf("no answer for %s %s", req.Method, req.URL)
			http.Error(w, "Gateway Timeout: upstream unreachable and nothing cached", http.StatusGatewayTimeout)
			return
		}
		h.log.Error().Err(err).Msgf("could not serve %s %s", req.Method, req.URL)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	writeDomainResponse(w, resp)
}

func toDomainRequest(r *http.Request) (*domain.Request, error) {
	req := &domain.Request{
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: fetch.FromHTTPHeader(r.Header),
	}

	switch r.Header.Get("Sec-Fetch-Mode") {
	case "navigate":
		req.Mode = domain.ModeNavigate
	case "cors":
		req.Mode = domain.ModeCORS
	case "same-origin":
		req.Mode = domain.ModeSameOrig
	}

	if r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil {
			return nil, errors.Wrap(err, "could not read request body")
		}
		if len(data) > maxRequestBody {
			return nil, errors.New("request body exceeds %d bytes", maxRequestBody)
		}
		if len(data) > 0 {
			req.Body = data
		}
	}

	return req, nil
}

func writeDomainResponse(w http.ResponseWriter, resp *domain.Response) {
	for _, h := range resp.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}
