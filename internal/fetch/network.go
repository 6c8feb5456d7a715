package fetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/pkg/errors"
)

// ErrNetwork marks every failure to get an answer from the upstream.
var ErrNetwork = errors.New("network request failed")

// Network performs a request against the upstream origin.
type Network interface {
	Do(ctx context.Context, req *domain.Request) (*domain.Response, error)
}

type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return "network request failed: " + e.Method + " " + e.URL + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// Headers that describe a single hop and are never forwarded.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
	"Content-Length":      {},
}

func isHopHeader(name string) bool {
	_, ok := hopHeaders[http.CanonicalHeaderKey(name)]
	return ok
}

// HTTPNetwork forwards requests to the upstream base URL.
type HTTPNetwork struct {
	client     *http.Client
	baseURL    string
	healthPath string
}

func NewHTTPNetwork(baseURL, healthPath string) *HTTPNetwork {
	return &HTTPNetwork{
		client: &http.Client{
			// redirects go back to the page untouched
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		healthPath: healthPath,
	}
}

func (n *HTTPNetwork) Do(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, n.baseURL+req.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "could not build upstream request")
	}
	for _, h := range req.Headers {
		if isHopHeader(h.Name) {
			continue
		}
		hreq.Header.Add(h.Name, h.Value)
	}

	hresp, err := n.client.Do(hreq)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL, Err: err}
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL, Err: err}
	}

	return &domain.Response{
		Status:  hresp.StatusCode,
		Headers: FromHTTPHeader(hresp.Header),
		Body:    data,
	}, nil
}

// CheckHealth reports whether the upstream answers its health path. Any answer
// below 500 counts as reachable.
func (n *HTTPNetwork) CheckHealth(ctx context.Context) error {
	resp, err := n.Do(ctx, &domain.Request{Method: http.MethodGet, URL: n.healthPath})
	if err != nil {
		return err
	}
	if resp.Status >= http.StatusInternalServerError {
		return &NetworkError{Method: http.MethodGet, URL: n.healthPath, Err: errors.New("status %d", resp.Status)}
	}
	return nil
}

// FromHTTPHeader converts h into ordered headers, dropping hop-by-hop ones.
func FromHTTPHeader(h http.Header) domain.Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		if !isHopHeader(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make(domain.Headers, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, domain.Header{Name: name, Value: v})
		}
	}
	return out
}
