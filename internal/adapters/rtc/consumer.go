package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Consumer forwards one producer's stream to a client over the consumer's transport.
type Consumer struct {
	closer
	id        domain.ResourceID
	transport *Transport
	producer  *Producer
	params    domain.RtpParameters
	sender    *webrtc.RTPSender
	paused    atomic.Bool
}

var _ core.MediaConsumer = (*Consumer)(nil)

func (t *Transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.MediaConsumer, error) {
	producer, ok := opts.Producer.(*Producer)
	if !ok || producer == nil {
		return nil, fmt.Errorf("consume: producer does not belong to this worker: %w", domain.ErrBadRequest)
	}
	if !t.router.CanConsume(producer, opts.RtpCapabilities) {
		return nil, fmt.Errorf("consume %s: incompatible rtp capabilities: %w", producer.id, domain.ErrBadRequest)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := domain.ResourceID(uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticRTP(toCodecCapability(producer.codec), string(id), string(producer.id))
	if err != nil {
		return nil, fmt.Errorf("new local track: %w: %w", domain.ErrEngineFailure, err)
	}
	sender, err := t.router.worker.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp sender: %w: %w", domain.ErrEngineFailure, err)
	}
	sendParams := sender.GetParameters()
	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}

	c := &Consumer{
		id:        id,
		transport: t,
		producer:  producer,
		sender:    sender,
		params: domain.RtpParameters{
			Mid: string(id),
			Codecs: []domain.RtpCodecParameters{{
				MimeType:     producer.codec.MimeType,
				PayloadType:  producer.codec.PreferredPayloadType,
				ClockRate:    producer.codec.ClockRate,
				Channels:     producer.codec.Channels,
				Parameters:   producer.codec.Parameters,
				RtcpFeedback: producer.codec.RtcpFeedback,
			}},
			Encodings: []domain.RtpEncodingParameters{{Ssrc: ssrc}},
			Rtcp:      domain.RtcpParameters{Cname: string(producer.id), ReducedSize: true},
		},
	}
	c.paused.Store(opts.Paused)

	if err := producer.attachConsumer(c); err != nil {
		_ = sender.Stop()
		return nil, err
	}
	if err := t.attachConsumer(c); err != nil {
		producer.detachConsumer(id)
		_ = sender.Stop()
		return nil, err
	}
	t.router.worker.relays.AddSubscriber(producer.id, id, track, opts.Paused)

	go c.send(sendParams)

	log.Info().
		Str("module", "rtc").
		Str("transport", string(t.id)).
		Str("producer", string(producer.id)).
		Str("consumer", string(id)).
		Bool("paused", opts.Paused).
		Msg("consumer created")
	return c, nil
}

func (c *Consumer) send(params webrtc.RTPSendParameters) {
	if !c.transport.awaitConnected() || c.isClosed() {
		return
	}
	if err := c.sender.Send(params); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("consumer", string(c.id)).Msg("rtp send failed")
		_ = c.Close()
		return
	}
	// Incoming RTCP must be drained for the interceptors to keep working.
	buf := make([]byte, 1500)
	for {
		if _, _, err := c.sender.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) && !c.isClosed() {
				log.Debug().Err(err).Str("module", "rtc").Str("consumer", string(c.id)).Msg("rtcp read stopped")
			}
			return
		}
	}
}

func (c *Consumer) ID() domain.ResourceID { return c.id }

func (c *Consumer) ProducerID() domain.ResourceID { return c.producer.id }

func (c *Consumer) Kind() domain.MediaKind { return c.producer.kind }

func (c *Consumer) RtpParameters() domain.RtpParameters { return c.params }

func (c *Consumer) Paused() bool { return c.paused.Load() }

func (c *Consumer) Resume() error {
	if c.isClosed() {
		return fmt.Errorf("consumer %s: %w", c.id, domain.ErrNotFound)
	}
	c.paused.Store(false)
	c.transport.router.worker.relays.Resume(c.producer.id, c.id)
	return nil
}

func (c *Consumer) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.transport.router.worker.relays.MarkSubscriberDelete(c.producer.id, c.id)
	err := c.sender.Stop()
	c.producer.detachConsumer(c.id)
	c.transport.detachConsumer(c.id)

	log.Info().Str("module", "rtc").Str("consumer", string(c.id)).Msg("consumer closed")
	c.fire()
	return err
}
