package domain

import (
	"net/http"
	"strings"
)

// Header is one name/value pair. Headers keep their original order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Headers []Header

// Get returns the first value for name, matched case-insensitively.
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Set replaces every value for name with a single value.
func (h Headers) Set(name, value string) Headers {
	out := h.Del(name)
	return append(out, Header{Name: name, Value: value})
}

func (h Headers) Del(name string) Headers {
	out := make(Headers, 0, len(h))
	for _, hdr := range h {
		if !strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr)
		}
	}
	return out
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// RequestMode mirrors the fetch request mode the page reported.
type RequestMode string

const (
	ModeNavigate RequestMode = "navigate"
	ModeCORS     RequestMode = "cors"
	ModeSameOrig RequestMode = "same-origin"
)

// Request is an intercepted page request. URL is origin-relative
// (path plus query), Body is nil when the request carried none.
type Request struct {
	Method  string
	URL     string
	Headers Headers
	Body    []byte
	Mode    RequestMode
}

func (r *Request) Clone() *Request {
	c := *r
	c.Headers = r.Headers.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

func (r *Request) IsGet() bool {
	return r.Method == http.MethodGet
}

// IsNavigation reports whether the request is a top-level page load.
func (r *Request) IsNavigation() bool {
	if r.Mode == ModeNavigate {
		return true
	}
	return r.IsGet() && strings.Contains(r.Headers.Get("Accept"), "text/html")
}

// IsMutating reports whether the method is one the offline queue accepts.
func IsMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Response is a fully buffered response.
type Response struct {
	Status  int
	Headers Headers
	Body    []byte
}

func (r *Response) Clone() *Response {
	c := *r
	c.Headers = r.Headers.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}
