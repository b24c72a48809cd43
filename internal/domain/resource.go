package domain

type ResourceKind int

const (
	KindTransport ResourceKind = iota + 1
	KindProducer
	KindConsumer
)

func (k ResourceKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProducer:
		return "producer"
	case KindConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// ResourceID is assigned by the media engine and is opaque to the server.
type ResourceID string

type ResourceKey struct {
	Kind ResourceKind
	ID   ResourceID
}

type MediaKind string

// Only audio is routed.
const MediaKindAudio MediaKind = "audio"

type TransportState string

const (
	TransportCreated    TransportState = "created"
	TransportConnecting TransportState = "connecting"
	TransportConnected  TransportState = "connected"
	TransportClosed     TransportState = "closed"
)
