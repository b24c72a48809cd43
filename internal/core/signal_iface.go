package core

import (
	"context"
	"encoding/json"
)

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues without blocking and fails on back-pressure.
	TrySend(Frame) error
	// SendSync returns once the frame has been written to the wire.
	SendSync(ctx context.Context, f Frame) error
	Close()
}

// Envelope is the signaling wire unit. Replies carry the request ID.
type Envelope struct {
	Type string          `json:"type"`
	ID   *int64          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Push event names.
const (
	EventNewProducer    = "new-producer"
	EventProducerClosed = "producer-closed"
	EventConsumerClosed = "consumer-closed"
	EventResponse       = "response"
	EventPong           = "pong"
)

// EncodeEvent builds a server push frame.
func EncodeEvent(typ string, data any) (Frame, error) {
	return encode(typ, nil, data)
}

// EncodeReply builds the response frame for request id.
func EncodeReply(id int64, data any) (Frame, error) {
	return encode(EventResponse, &id, data)
}

func encode(typ string, id *int64, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, ID: id, Data: raw})
}
