package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/VoiceBridge/internal/app"
	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/rs/zerolog/log"
)

type TransportInfo struct {
	ID             domain.ResourceID     `json:"id"`
	IceParameters  domain.IceParameters  `json:"iceParameters"`
	IceCandidates  []domain.IceCandidate `json:"iceCandidates"`
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
}

type ConnectRequest struct {
	TransportID    domain.ResourceID
	DtlsParameters domain.DtlsParameters
	IceParameters  *domain.IceParameters
	IceCandidates  []domain.IceCandidate
}

type ProduceRequest struct {
	TransportID   domain.ResourceID
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	AppData       map[string]any
}

type ProduceResult struct {
	ID domain.ResourceID `json:"id"`
}

// AckFunc delivers a reply to the requesting client and returns once it is on the wire.
type AckFunc func(ctx context.Context, reply any) error

type ConsumeRequest struct {
	TransportID     domain.ResourceID
	ProducerID      domain.ResourceID
	RtpCapabilities domain.RtpCapabilities
}

type ConsumeResult struct {
	ID            domain.ResourceID    `json:"id"`
	ProducerID    domain.ResourceID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
}

// CreateTransport asks the router for a transport and registers it under the caller.
// If the session ends while the engine is working, the transport is closed instead.
func (o *Orchestrator) CreateTransport(sid core.SessionID, producing, consuming bool) (TransportInfo, error) {
	s, err := o.Registry.Authenticated(sid)
	if err != nil {
		return TransportInfo{}, err
	}
	mt, err := o.Router.CreateWebRtcTransport(s.Ctx, core.TransportOptions{
		Producing: producing,
		Consuming: consuming,
		Owner:     s.UserID,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("create transport failed")
		return TransportInfo{}, engineErr("create transport", err)
	}
	res := app.Resource{
		Kind:      domain.KindTransport,
		ID:        mt.ID(),
		Owner:     s.UserID,
		Session:   sid,
		Producing: producing,
		Consuming: consuming,
		Handle:    mt,
	}
	if err := o.Store.Put(s.Ctx, res); err != nil {
		_ = mt.Close()
		return TransportInfo{}, err
	}
	mt.OnClose(func() { o.onTransportClosed(res) })

	return TransportInfo{
		ID:             mt.ID(),
		IceParameters:  mt.IceParameters(),
		IceCandidates:  mt.IceCandidates(),
		DtlsParameters: mt.DtlsParameters(),
	}, nil
}

func (o *Orchestrator) ownedTransport(s app.Session, id domain.ResourceID) (core.MediaTransport, error) {
	res, err := o.Store.GetOwned(domain.KindTransport, id, s.UserID)
	if err != nil {
		return nil, err
	}
	mt, ok := res.Handle.(core.MediaTransport)
	if !ok {
		return nil, fmt.Errorf("transport %s: %w", id, domain.ErrEngineFailure)
	}
	return mt, nil
}

// ConnectTransport hands the client's DTLS/ICE parameters to the engine.
func (o *Orchestrator) ConnectTransport(sid core.SessionID, req ConnectRequest) error {
	s, err := o.Registry.Authenticated(sid)
	if err != nil {
		return err
	}
	mt, err := o.ownedTransport(s, req.TransportID)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("connect on unknown transport")
		return err
	}
	if err := mt.Connect(s.Ctx, core.ConnectParams{
		Dtls:       req.DtlsParameters,
		Ice:        req.IceParameters,
		Candidates: req.IceCandidates,
	}); err != nil {
		return engineErr("connect transport", err)
	}
	return nil
}

// Produce creates a producer on one of the caller's transports. The room learns about it
// through new-producer only after ack has put the reply on the caller's socket; a producer
// whose reply never arrives stays unannounced, also to later joiners.
func (o *Orchestrator) Produce(sid core.SessionID, req ProduceRequest, ack AckFunc) (ProduceResult, error) {
	s, err := o.Registry.Authenticated(sid)
	if err != nil {
		return ProduceResult{}, err
	}
	if req.Kind != domain.MediaKindAudio {
		return ProduceResult{}, fmt.Errorf("produce %q: %w", req.Kind, domain.ErrBadRequest)
	}
	mt, err := o.ownedTransport(s, req.TransportID)
	if err != nil {
		return ProduceResult{}, err
	}
	p, err := mt.Produce(s.Ctx, core.ProduceOptions{
		Kind:          req.Kind,
		RtpParameters: req.RtpParameters,
		AppData:       req.AppData,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("produce failed")
		return ProduceResult{}, engineErr("produce", err)
	}
	res := app.Resource{
		Kind:        domain.KindProducer,
		ID:          p.ID(),
		Owner:       s.UserID,
		Session:     sid,
		TransportID: req.TransportID,
		MediaKind:   p.Kind(),
		Handle:      p,
	}
	if err := o.Store.Put(s.Ctx, res); err != nil {
		_ = p.Close()
		return ProduceResult{}, err
	}
	p.OnClose(func() { o.onProducerClosed(res) })

	result := ProduceResult{ID: p.ID()}
	if ack != nil {
		timeout := o.AckTimeout
		if timeout <= 0 {
			timeout = defaultAckTimeout
		}
		ctx, cancel := context.WithTimeout(s.Ctx, timeout)
		err := ack(ctx, result)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("producer", string(p.ID())).Msg("produce ack not delivered, skipping broadcast")
			return result, nil
		}
	}

	o.announceMu.Lock()
	if !o.Store.MarkAnnounced(res.ID, res.Owner) {
		o.announceMu.Unlock()
		log.Info().Str("module", "orch").Str("producer", string(res.ID)).Msg("producer closed before announce")
		return result, nil
	}
	if call, ok := o.Registry.RoomOf(sid); ok {
		o.announce(call, sid, res)
	}
	o.announceMu.Unlock()
	log.Info().
		Str("module", "orch").
		Str("sid", string(sid)).
		Str("user", string(s.UserID)).
		Str("producer", string(p.ID())).
		Msg("producer registered")
	return result, nil
}

// announce tells every other member of call about producer res.
func (o *Orchestrator) announce(call domain.CallID, except core.SessionID, res app.Resource) {
	frame, err := core.EncodeEvent(core.EventNewProducer, NewProducerEvent{
		ProducerID: res.ID,
		UserID:     res.Owner,
		Kind:       res.MediaKind,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode new-producer")
		return
	}
	o.broadcastRoom(call, except, frame)
}

// Consume creates a paused consumer of any live producer on one of the caller's transports.
func (o *Orchestrator) Consume(sid core.SessionID, req ConsumeRequest) (ConsumeResult, error) {
	s, err := o.Registry.Authenticated(sid)
	if err != nil {
		return ConsumeResult{}, err
	}
	mt, err := o.ownedTransport(s, req.TransportID)
	if err != nil {
		return ConsumeResult{}, err
	}
	pres, err := o.Store.Get(domain.KindProducer, req.ProducerID)
	if err != nil {
		return ConsumeResult{}, err
	}
	producer, ok := pres.Handle.(core.MediaProducer)
	if !ok {
		return ConsumeResult{}, fmt.Errorf("producer %s: %w", req.ProducerID, domain.ErrEngineFailure)
	}
	if !o.Router.CanConsume(producer, req.RtpCapabilities) {
		return ConsumeResult{}, fmt.Errorf("consume %s: cannot consume with given capabilities: %w", req.ProducerID, domain.ErrEngineFailure)
	}
	c, err := mt.Consume(s.Ctx, core.ConsumeOptions{
		Producer:        producer,
		RtpCapabilities: req.RtpCapabilities,
		Paused:          true,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("consume failed")
		return ConsumeResult{}, engineErr("consume", err)
	}
	res := app.Resource{
		Kind:        domain.KindConsumer,
		ID:          c.ID(),
		Owner:       s.UserID,
		Session:     sid,
		TransportID: req.TransportID,
		ProducerID:  req.ProducerID,
		MediaKind:   c.Kind(),
		Handle:      c,
	}
	if err := o.Store.Put(s.Ctx, res); err != nil {
		_ = c.Close()
		return ConsumeResult{}, err
	}
	c.OnClose(func() { o.onConsumerClosed(res) })

	return ConsumeResult{
		ID:            c.ID(),
		ProducerID:    req.ProducerID,
		Kind:          c.Kind(),
		RtpParameters: c.RtpParameters(),
	}, nil
}

func (o *Orchestrator) ResumeConsumer(sid core.SessionID, consumerID domain.ResourceID) error {
	s, err := o.Registry.Authenticated(sid)
	if err != nil {
		return err
	}
	res, err := o.Store.GetOwned(domain.KindConsumer, consumerID, s.UserID)
	if err != nil {
		return err
	}
	c, ok := res.Handle.(core.MediaConsumer)
	if !ok {
		return fmt.Errorf("consumer %s: %w", consumerID, domain.ErrEngineFailure)
	}
	if err := c.Resume(); err != nil {
		return engineErr("resume consumer", err)
	}
	return nil
}

// CloseProducer closes one of the caller's producers; the close handler deregisters it.
func (o *Orchestrator) CloseProducer(sid core.SessionID, producerID domain.ResourceID) error {
	s, err := o.Registry.Authenticated(sid)
	if err != nil {
		return err
	}
	res, err := o.Store.GetOwned(domain.KindProducer, producerID, s.UserID)
	if err != nil {
		return err
	}
	if err := res.Handle.Close(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("producer", string(producerID)).Msg("producer close returned error")
	}
	// Engines that do not report close synchronously still get deregistered here.
	o.onProducerClosed(res)
	return nil
}

// onTransportClosed runs when the engine closes a transport for any reason.
func (o *Orchestrator) onTransportClosed(res app.Resource) {
	if !o.Store.RemoveIfOwner(domain.KindTransport, res.ID, res.Owner) {
		return
	}
	for _, child := range o.Store.DependentsOf(res.ID) {
		if child.Handle != nil {
			_ = child.Handle.Close()
		}
	}
	log.Info().Str("module", "orch").Str("transport", string(res.ID)).Str("user", string(res.Owner)).Msg("transport deregistered")
}

func (o *Orchestrator) onProducerClosed(res app.Resource) {
	if !o.Store.RemoveIfOwner(domain.KindProducer, res.ID, res.Owner) {
		return
	}
	for _, c := range o.Store.ConsumersOf(res.ID) {
		if c.Handle != nil {
			_ = c.Handle.Close()
		}
	}
	o.broadcastProducerClosed(res, nil)
	log.Info().Str("module", "orch").Str("producer", string(res.ID)).Str("user", string(res.Owner)).Msg("producer deregistered")
}

func (o *Orchestrator) onConsumerClosed(res app.Resource) {
	if !o.Store.RemoveIfOwner(domain.KindConsumer, res.ID, res.Owner) {
		return
	}
	frame, err := core.EncodeEvent(core.EventConsumerClosed, ConsumerClosedEvent{ConsumerID: res.ID, ProducerID: res.ProducerID})
	if err != nil {
		return
	}
	o.pushTo(res.Session, frame)
}
