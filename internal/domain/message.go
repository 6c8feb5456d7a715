package domain

import (
	"bytes"
	"encoding/json"

	"github.com/flurbudurbur/Kura/pkg/errors"
)

type MessageType string

const (
	MsgSWUpdated           MessageType = "SW_UPDATED"
	MsgStoreOfflineRequest MessageType = "STORE_OFFLINE_REQUEST"
	MsgSyncOfflineRequests MessageType = "SYNC_OFFLINE_REQUESTS"
	MsgSyncRequest         MessageType = "SYNC_REQUEST"
	MsgSyncResponse        MessageType = "SYNC_RESPONSE"
	MsgGetVersion          MessageType = "GET_VERSION"
	MsgVersionResponse     MessageType = "VERSION_RESPONSE"
	MsgSyncResult          MessageType = "SYNC_RESULT"
	MsgSyncComplete        MessageType = "SYNC_COMPLETE"
	MsgSyncNow             MessageType = "SYNC_NOW"
	MsgDiscardRequest      MessageType = "DISCARD_REQUEST"
	MsgDiscarded           MessageType = "DISCARDED"
	MsgGetQueueStatus      MessageType = "GET_QUEUE_STATUS"
	MsgQueueStatus         MessageType = "QUEUE_STATUS"
	MsgSkipWaiting         MessageType = "SKIP_WAITING"
	MsgAck                 MessageType = "ACK"
	MsgError               MessageType = "ERROR"
)

var ErrUnknownMessage = errors.New("unknown message type")

// Message is one variant of the worker/page protocol.
type Message interface {
	MessageType() MessageType
}

// Envelope carries the fields shared by every message on the wire.
type Envelope struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"`
	ReplyTo string      `json:"replyTo,omitempty"`
}

// OfflineRequest is the page-visible record of a queued write. Body travels
// base64 encoded, null when the write had no body.
type OfflineRequest struct {
	ID        int64   `json:"id,omitempty"`
	RequestID string  `json:"requestId"`
	URL       string  `json:"url"`
	Method    string  `json:"method"`
	Headers   Headers `json:"headers"`
	Body      []byte  `json:"body"`
	Timestamp int64   `json:"timestamp"`
}

func NewOfflineRequest(w *QueuedWrite) OfflineRequest {
	return OfflineRequest{
		ID:        w.ID,
		RequestID: w.RequestID,
		URL:       w.URL,
		Method:    w.Method,
		Headers:   w.Headers.Clone(),
		Body:      bytes.Clone(w.Body),
		Timestamp: w.CreatedAt.UnixMilli(),
	}
}

func (o OfflineRequest) Request() *Request {
	return &Request{
		Method:  o.Method,
		URL:     o.URL,
		Headers: o.Headers.Clone(),
		Body:    bytes.Clone(o.Body),
	}
}

type SWUpdated struct {
	Version string `json:"version"`
}

type StoreOfflineRequest struct {
	OfflineRequest
}

type SyncOfflineRequests struct{}

type SyncRequest struct {
	Request OfflineRequest `json:"request"`
}

type SyncResponse struct {
	Success bool           `json:"success"`
	Status  int            `json:"status,omitempty"`
	Error   string         `json:"error,omitempty"`
	Request OfflineRequest `json:"request"`
}

type GetVersion struct{}

type VersionResponse struct {
	Version string `json:"version"`
}

type SyncOutcome struct {
	Result SyncResult `json:"result"`
}

type SyncComplete struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

type SyncNow struct{}

type DiscardRequest struct {
	RequestID string `json:"requestId"`
}

type Discarded struct {
	RequestID string `json:"requestId"`
	Found     bool   `json:"found"`
}

type GetQueueStatus struct{}

type QueueStatus struct {
	Pending int `json:"pending"`
}

type SkipWaiting struct{}

type Ack struct{}

type ErrorMessage struct {
	Message string `json:"message"`
}

func (SWUpdated) MessageType() MessageType           { return MsgSWUpdated }
func (StoreOfflineRequest) MessageType() MessageType { return MsgStoreOfflineRequest }
func (SyncOfflineRequests) MessageType() MessageType { return MsgSyncOfflineRequests }
func (SyncRequest) MessageType() MessageType         { return MsgSyncRequest }
func (SyncResponse) MessageType() MessageType        { return MsgSyncResponse }
func (GetVersion) MessageType() MessageType          { return MsgGetVersion }
func (VersionResponse) MessageType() MessageType     { return MsgVersionResponse }
func (SyncOutcome) MessageType() MessageType         { return MsgSyncResult }
func (SyncComplete) MessageType() MessageType        { return MsgSyncComplete }
func (SyncNow) MessageType() MessageType             { return MsgSyncNow }
func (DiscardRequest) MessageType() MessageType      { return MsgDiscardRequest }
func (Discarded) MessageType() MessageType           { return MsgDiscarded }
func (GetQueueStatus) MessageType() MessageType      { return MsgGetQueueStatus }
func (QueueStatus) MessageType() MessageType         { return MsgQueueStatus }
func (SkipWaiting) MessageType() MessageType         { return MsgSkipWaiting }
func (Ack) MessageType() MessageType                 { return MsgAck }
func (ErrorMessage) MessageType() MessageType        { return MsgError }

func newMessage(t MessageType) (Message, bool) {
	switch t {
	case MsgSWUpdated:
		return &SWUpdated{}, true
	case MsgStoreOfflineRequest:
		return &StoreOfflineRequest{}, true
	case MsgSyncOfflineRequests:
		return &SyncOfflineRequests{}, true
	case MsgSyncRequest:
		return &SyncRequest{}, true
	case MsgSyncResponse:
		return &SyncResponse{}, true
	case MsgGetVersion:
		return &GetVersion{}, true
	case MsgVersionResponse:
		return &VersionResponse{}, true
	case MsgSyncResult:
		return &SyncOutcome{}, true
	case MsgSyncComplete:
		return &SyncComplete{}, true
	case MsgSyncNow:
		return &SyncNow{}, true
	case MsgDiscardRequest:
		return &DiscardRequest{}, true
	case MsgDiscarded:
		return &Discarded{}, true
	case MsgGetQueueStatus:
		return &GetQueueStatus{}, true
	case MsgQueueStatus:
		return &QueueStatus{}, true
	case MsgSkipWaiting:
		return &SkipWaiting{}, true
	case MsgAck:
		return &Ack{}, true
	case MsgError:
		return &ErrorMessage{}, true
	}
	return nil, false
}

// Encode flattens the envelope and the message payload into one JSON object.
func Encode(env Envelope, m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal %s payload", m.MessageType())
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, errors.Wrap(err, "could not flatten %s payload", m.MessageType())
	}

	env.Type = m.MessageType()
	if err := putField(fields, "type", env.Type); err != nil {
		return nil, err
	}
	if env.ID != "" {
		if err := putField(fields, "id", env.ID); err != nil {
			return nil, err
		}
	}
	if env.ReplyTo != "" {
		if err := putField(fields, "replyTo", env.ReplyTo); err != nil {
			return nil, err
		}
	}

	return json.Marshal(fields)
}

func putField(fields map[string]json.RawMessage, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "could not marshal %s", key)
	}
	fields[key] = raw
	return nil
}

// Decode parses a message. For an unknown type the envelope is still
// returned alongside an error wrapping ErrUnknownMessage.
func Decode(data []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, nil, errors.Wrap(err, "could not decode message")
	}

	msg, ok := newMessage(env.Type)
	if !ok {
		return env, nil, errors.Wrap(ErrUnknownMessage, "%q", env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return env, nil, errors.Wrap(err, "could not decode %s payload", env.Type)
	}

	return env, deref(msg), nil
}

// deref hands callers value types so a type switch matches on e.g. SyncNow.
func deref(m Message) Message {
	switch v := m.(type) {
	case *SWUpdated:
		return *v
	case *StoreOfflineRequest:
		return *v
	case *SyncOfflineRequests:
		return *v
	case *SyncRequest:
		return *v
	case *SyncResponse:
		return *v
	case *GetVersion:
		return *v
	case *VersionResponse:
		return *v
	case *SyncOutcome:
		return *v
	case *SyncComplete:
		return *v
	case *SyncNow:
		return *v
	case *DiscardRequest:
		return *v
	case *Discarded:
		return *v
	case *GetQueueStatus:
		return *v
	case *QueueStatus:
		return *v
	case *SkipWaiting:
		return *v
	case *Ack:
		return *v
	case *ErrorMessage:
		return *v
	}
	return m
}
