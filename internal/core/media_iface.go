package core

import (
	"context"

	"github.com/dkeye/VoiceBridge/internal/domain"
)

// MediaWorker owns the process-wide media stack. Its loss is fatal.
type MediaWorker interface {
	Router() MediaRouter
	// Died fires if the worker can no longer serve media.
	Died() <-chan error
	Close() error
}

// MediaRouter holds the negotiated codec set shared by every session.
type MediaRouter interface {
	RtpCapabilities() domain.RtpCapabilities
	CanConsume(producer MediaProducer, caps domain.RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (MediaTransport, error)
}

type TransportOptions struct {
	Producing bool
	Consuming bool
	Owner     domain.UserID
}

type ConnectParams struct {
	Dtls       domain.DtlsParameters
	Ice        *domain.IceParameters
	Candidates []domain.IceCandidate
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	AppData       map[string]any
}

type ConsumeOptions struct {
	Producer        MediaProducer
	RtpCapabilities domain.RtpCapabilities
	Paused          bool
}

// Closable is anything the topology store can tear down.
type Closable interface {
	Close() error
	// OnClose registers fn; it runs immediately if already closed.
	OnClose(fn func())
}

type MediaTransport interface {
	Closable
	ID() domain.ResourceID
	IceParameters() domain.IceParameters
	IceCandidates() []domain.IceCandidate
	DtlsParameters() domain.DtlsParameters
	State() domain.TransportState
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, opts ProduceOptions) (MediaProducer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (MediaConsumer, error)
}

type MediaProducer interface {
	Closable
	ID() domain.ResourceID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
}

type MediaConsumer interface {
	Closable
	ID() domain.ResourceID
	ProducerID() domain.ResourceID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Paused() bool
	Resume() error
}
