package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Producer receives one audio stream from a client and feeds its relay.
type Producer struct {
	closer
	id        domain.ResourceID
	transport *Transport
	kind      domain.MediaKind
	params    domain.RtpParameters
	codec     domain.RtpCodecCapability
	receiver  *webrtc.RTPReceiver

	mu        sync.Mutex
	consumers map[domain.ResourceID]*Consumer
}

var _ core.MediaProducer = (*Producer)(nil)

// Produce validates the client's send parameters against the router codecs and starts
// receiving once the transport is connected.
func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.MediaProducer, error) {
	if opts.Kind != domain.MediaKindAudio {
		return nil, fmt.Errorf("produce %q: %w", opts.Kind, domain.ErrBadRequest)
	}
	params := opts.RtpParameters
	if len(params.Codecs) == 0 || len(params.Encodings) == 0 || params.Encodings[0].Ssrc == 0 {
		return nil, fmt.Errorf("produce: codecs and an encoding ssrc are required: %w", domain.ErrBadRequest)
	}
	sent := params.Codecs[0]
	codec, ok := t.router.routerCodec(sent.MimeType, sent.ClockRate)
	if !ok {
		return nil, fmt.Errorf("produce: codec %s/%d not supported: %w", sent.MimeType, sent.ClockRate, domain.ErrBadRequest)
	}
	if sent.PayloadType != codec.PreferredPayloadType {
		return nil, fmt.Errorf("produce: %s must use payload type %d: %w", codec.MimeType, codec.PreferredPayloadType, domain.ErrBadRequest)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	receiver, err := t.router.worker.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp receiver: %w: %w", domain.ErrEngineFailure, err)
	}
	p := &Producer{
		id:        domain.ResourceID(uuid.NewString()),
		transport: t,
		kind:      opts.Kind,
		params:    params,
		codec:     codec,
		receiver:  receiver,
		consumers: make(map[domain.ResourceID]*Consumer),
	}
	if err := t.attachProducer(p); err != nil {
		_ = receiver.Stop()
		return nil, err
	}
	relays := t.router.worker.relays
	relays.Register(p.id)

	go p.receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.Encodings[0].Ssrc),
				PayloadType: webrtc.PayloadType(sent.PayloadType),
			},
		}},
	})

	log.Info().
		Str("module", "rtc").
		Str("transport", string(t.id)).
		Str("producer", string(p.id)).
		Str("codec", codec.MimeType).
		Uint32("ssrc", params.Encodings[0].Ssrc).
		Msg("producer created")
	return p, nil
}

func (p *Producer) receive(params webrtc.RTPReceiveParameters) {
	if !p.transport.awaitConnected() {
		return
	}
	if p.isClosed() {
		return
	}
	if err := p.receiver.Receive(params); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("producer", string(p.id)).Msg("rtp receive failed")
		_ = p.Close()
		return
	}
	p.transport.router.worker.relays.StartRelay(p.transport.router.worker.ctx, p.id, p.receiver.Track())
}

func (p *Producer) ID() domain.ResourceID { return p.id }

func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *Producer) attachConsumer(c *Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed() {
		return fmt.Errorf("producer %s: %w", p.id, domain.ErrNotFound)
	}
	p.consumers[c.id] = c
	return nil
}

func (p *Producer) detachConsumer(id domain.ResourceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// Close stops the relay and closes every consumer pulling from this producer.
func (p *Producer) Close() error {
	p.mu.Lock()
	if !p.markClosed() {
		p.mu.Unlock()
		return nil
	}
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	p.transport.router.worker.relays.StopRelay(p.id)
	var err error
	for _, c := range consumers {
		err = multierr.Append(err, c.Close())
	}
	err = multierr.Append(err, p.receiver.Stop())
	p.transport.detachProducer(p.id)

	log.Info().Str("module", "rtc").Str("producer", string(p.id)).Int("consumers", len(consumers)).Msg("producer closed")
	p.fire()
	return err
}
