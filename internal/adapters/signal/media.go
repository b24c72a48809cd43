package signal

import (
	"context"

	"github.com/dkeye/VoiceBridge/internal/app/orch"
	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
)

func (ctl *SignalWSController) handleCreateTransport(sid core.SessionID, c *WsSignalConn, env core.Envelope) error {
	p, err := decode[createTransportPayload](ctl.validate, env.Data)
	if err != nil {
		return err
	}
	info, err := ctl.Orch.CreateTransport(sid, p.Producing, p.Consuming)
	if err != nil {
		return err
	}
	ctl.reply(c, env.ID, info)
	return nil
}

func (ctl *SignalWSController) handleTransportConnect(sid core.SessionID, c *WsSignalConn, env core.Envelope) error {
	p, err := decode[transportConnectPayload](ctl.validate, env.Data)
	if err != nil {
		return err
	}
	err = ctl.Orch.ConnectTransport(sid, orch.ConnectRequest{
		TransportID:    domain.ResourceID(p.TransportID),
		DtlsParameters: *p.DtlsParameters,
		IceParameters:  p.IceParameters,
		IceCandidates:  p.IceCandidates,
	})
	if err != nil {
		return err
	}
	ctl.reply(c, env.ID, okReply{Success: true})
	return nil
}

// handleProduce replies through SendSync so the room hears about the producer only
// after the caller's reply is on the wire.
func (ctl *SignalWSController) handleProduce(sid core.SessionID, c *WsSignalConn, env core.Envelope) error {
	p, err := decode[producePayload](ctl.validate, env.Data)
	if err != nil {
		return err
	}
	var ack orch.AckFunc
	if env.ID != nil {
		id := *env.ID
		ack = func(ctx context.Context, reply any) error {
			f, err := core.EncodeReply(id, reply)
			if err != nil {
				return err
			}
			return c.SendSync(ctx, f)
		}
	}
	_, err = ctl.Orch.Produce(sid, orch.ProduceRequest{
		TransportID:   domain.ResourceID(p.TransportID),
		Kind:          domain.MediaKind(p.Kind),
		RtpParameters: *p.RtpParameters,
		AppData:       p.AppData,
	}, ack)
	return err
}

func (ctl *SignalWSController) handleConsume(sid core.SessionID, c *WsSignalConn, env core.Envelope) error {
	p, err := decode[consumePayload](ctl.validate, env.Data)
	if err != nil {
		return err
	}
	res, err := ctl.Orch.Consume(sid, orch.ConsumeRequest{
		TransportID:     domain.ResourceID(p.TransportID),
		ProducerID:      domain.ResourceID(p.ProducerID),
		RtpCapabilities: *p.RtpCapabilities,
	})
	if err != nil {
		return err
	}
	ctl.reply(c, env.ID, res)
	return nil
}

func (ctl *SignalWSController) handleConsumerResume(sid core.SessionID, c *WsSignalConn, env core.Envelope) error {
	p, err := decode[consumerResumePayload](ctl.validate, env.Data)
	if err != nil {
		return err
	}
	if err := ctl.Orch.ResumeConsumer(sid, domain.ResourceID(p.ConsumerID)); err != nil {
		return err
	}
	ctl.reply(c, env.ID, okReply{Success: true})
	return nil
}

func (ctl *SignalWSController) handleProducerClose(sid core.SessionID, c *WsSignalConn, env core.Envelope) error {
	p, err := decode[producerClosePayload](ctl.validate, env.Data)
	if err != nil {
		return err
	}
	if err := ctl.Orch.CloseProducer(sid, domain.ResourceID(p.ProducerID)); err != nil {
		return err
	}
	ctl.reply(c, env.ID, okReply{Success: true})
	return nil
}
