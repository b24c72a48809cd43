// Package testutil holds in-memory fakes of the media engine, the CRM and signaling
// connections for package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
)

var ErrEngine = errors.New("fake engine failure")

type closeHooks struct {
	mu     sync.Mutex
	closed bool
	fns    []func()
}

func (c *closeHooks) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

func (c *closeHooks) close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return true
}

func (c *closeHooks) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Router is a media router that never touches the network. Closing cascades the same way
// the real engine does: transport -> producers and consumers, producer -> consumers.
type Router struct {
	Caps domain.RtpCapabilities

	// FailCreate makes CreateWebRtcTransport fail.
	FailCreate bool
	// BeforeReturn runs inside engine calls just before they return, e.g. to disconnect
	// the caller while the call is in flight.
	BeforeReturn func()

	seq    atomic.Int64
	closed atomic.Int64

	mu      sync.Mutex
	objects map[domain.ResourceID]core.Closable
}

var _ core.MediaRouter = (*Router)(nil)

func NewRouter() *Router {
	return &Router{
		Caps: domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{{
			Kind:                 domain.MediaKindAudio,
			MimeType:             "audio/opus",
			PreferredPayloadType: 111,
			ClockRate:            48000,
			Channels:             2,
		}}},
		objects: make(map[domain.ResourceID]core.Closable),
	}
}

func (r *Router) nextID(prefix string) domain.ResourceID {
	return domain.ResourceID(fmt.Sprintf("%s-%d", prefix, r.seq.Add(1)))
}

func (r *Router) track(id domain.ResourceID, c core.Closable) {
	r.mu.Lock()
	r.objects[id] = c
	r.mu.Unlock()
	c.OnClose(func() {
		r.closed.Add(1)
		r.mu.Lock()
		delete(r.objects, id)
		r.mu.Unlock()
	})
}

func (r *Router) hook() {
	if r.BeforeReturn != nil {
		r.BeforeReturn()
	}
}

// Live reports engine objects that have not been closed.
func (r *Router) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// Closed reports how many engine objects were closed.
func (r *Router) Closed() int { return int(r.closed.Load()) }

func (r *Router) RtpCapabilities() domain.RtpCapabilities { return r.Caps }

func (r *Router) CanConsume(producer core.MediaProducer, caps domain.RtpCapabilities) bool {
	return producer != nil && len(caps.Codecs) > 0
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts core.TransportOptions) (core.MediaTransport, error) {
	defer r.hook()
	if r.FailCreate {
		return nil, ErrEngine
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &Transport{
		router:    r,
		id:        r.nextID("transport"),
		producers: make(map[domain.ResourceID]*Producer),
		consumers: make(map[domain.ResourceID]*Consumer),
	}
	r.track(t.id, t)
	return t, nil
}

type Transport struct {
	closeHooks
	router *Router
	id     domain.ResourceID

	mu        sync.Mutex
	connected bool
	producers map[domain.ResourceID]*Producer
	consumers map[domain.ResourceID]*Consumer
}

func (t *Transport) ID() domain.ResourceID { return t.id }

func (t *Transport) IceParameters() domain.IceParameters {
	return domain.IceParameters{UsernameFragment: "ufrag-" + string(t.id), Password: "pwd", IceLite: true}
}

func (t *Transport) IceCandidates() []domain.IceCandidate {
	return []domain.IceCandidate{{Foundation: "1", Priority: 1, Address: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}}
}

func (t *Transport) DtlsParameters() domain.DtlsParameters {
	return domain.DtlsParameters{Role: "auto", Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}}}
}

func (t *Transport) State() domain.TransportState {
	switch {
	case t.IsClosed():
		return domain.TransportClosed
	case t.Connected():
		return domain.TransportConnected
	default:
		return domain.TransportCreated
	}
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Connect(ctx context.Context, params core.ConnectParams) error {
	if len(params.Dtls.Fingerprints) == 0 {
		return fmt.Errorf("no fingerprints: %w", domain.ErrBadRequest)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.MediaProducer, error) {
	defer t.router.hook()
	if t.IsClosed() {
		return nil, ErrEngine
	}
	p := &Producer{
		id:        t.router.nextID("producer"),
		kind:      opts.Kind,
		params:    opts.RtpParameters,
		consumers: make(map[domain.ResourceID]*Consumer),
	}
	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.track(p.id, p)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.MediaConsumer, error) {
	defer t.router.hook()
	producer, ok := opts.Producer.(*Producer)
	if !ok || t.IsClosed() || producer.IsClosed() {
		return nil, ErrEngine
	}
	c := &Consumer{
		id:       t.router.nextID("consumer"),
		producer: producer,
	}
	c.paused.Store(opts.Paused)
	producer.mu.Lock()
	producer.consumers[c.id] = c
	producer.mu.Unlock()
	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()
	t.router.track(c.id, c)
	return c, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()
	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	t.close()
	return nil
}

type Producer struct {
	closeHooks
	id     domain.ResourceID
	kind   domain.MediaKind
	params domain.RtpParameters

	mu        sync.Mutex
	consumers map[domain.ResourceID]*Consumer
}

func (p *Producer) ID() domain.ResourceID               { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *Producer) Close() error {
	p.mu.Lock()
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()
	for _, c := range consumers {
		_ = c.Close()
	}
	p.close()
	return nil
}

type Consumer struct {
	closeHooks
	id       domain.ResourceID
	producer *Producer
	paused   atomic.Bool
}

func (c *Consumer) ID() domain.ResourceID         { return c.id }
func (c *Consumer) ProducerID() domain.ResourceID { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind        { return c.producer.kind }
func (c *Consumer) Paused() bool                  { return c.paused.Load() }

func (c *Consumer) RtpParameters() domain.RtpParameters {
	return domain.RtpParameters{
		Codecs:    c.producer.params.Codecs,
		Encodings: []domain.RtpEncodingParameters{{Ssrc: 4242}},
	}
}

func (c *Consumer) Resume() error {
	if c.IsClosed() {
		return ErrEngine
	}
	c.paused.Store(false)
	return nil
}

func (c *Consumer) Close() error {
	c.close()
	return nil
}
