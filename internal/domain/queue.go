package domain

import (
	"context"
	"time"
)

type QueueRepo interface {
	// Insert stores the write and returns it with its id assigned.
	Insert(ctx context.Context, w QueuedWrite) (*QueuedWrite, error)
	// List returns every queued write ordered by id.
	List(ctx context.Context) ([]QueuedWrite, error)
	FindByID(ctx context.Context, id int64) (*QueuedWrite, error)
	FindByRequestID(ctx context.Context, requestID string) (*QueuedWrite, error)
	Count(ctx context.Context) (int, error)
	MarkAttempt(ctx context.Context, id int64, lastError string, at time.Time) error
	Delete(ctx context.Context, id int64) (bool, error)
	DeleteByRequestID(ctx context.Context, requestID string) (bool, error)
}

// QueuedWrite is a mutating request captured while the upstream was
// unreachable.
type QueuedWrite struct {
	ID            int64      `json:"id"`
	RequestID     string     `json:"requestId"`
	URL           string     `json:"url"`
	Method        string     `json:"method"`
	Headers       Headers    `json:"headers"`
	Body          []byte     `json:"body,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

// Request rebuilds the original request with its method, headers and body.
func (w *QueuedWrite) Request() *Request {
	req := &Request{
		Method:  w.Method,
		URL:     w.URL,
		Headers: w.Headers.Clone(),
	}
	if w.Body != nil {
		req.Body = append([]byte(nil), w.Body...)
	}
	return req
}
