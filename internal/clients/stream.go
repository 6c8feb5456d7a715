package clients

import (
	"context"

	"github.com/r3labs/sse/v2"
)

// Streams is the part of *sse.Server a StreamClient publishes through.
type Streams interface {
	CreateStreamWithOpts(id string, opts sse.StreamOpts) *sse.Stream
	StreamExists(id string) bool
	RemoveStream(id string)
	Publish(id string, event *sse.Event)
}

// StreamClient delivers messages over the page's own SSE stream.
type StreamClient struct {
	id      string
	streams Streams
}

// NewStreamClient creates the stream named after the client id if needed.
func NewStreamClient(id string, streams Streams) *StreamClient {
	if !streams.StreamExists(id) {
		streams.CreateStreamWithOpts(id, sse.StreamOpts{MaxEntries: 0, AutoReplay: false})
	}
	return &StreamClient{id: id, streams: streams}
}

func (c *StreamClient) ID() string { return c.id }

func (c *StreamClient) Post(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.streams.Publish(c.id, &sse.Event{Event: []byte("message"), Data: data})
	return nil
}

// Close removes the client's stream.
func (c *StreamClient) Close() {
	c.streams.RemoveStream(c.id)
}
