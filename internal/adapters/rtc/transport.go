package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

type transportInit struct {
	id        domain.ResourceID
	router    *Router
	owner     domain.UserID
	producing bool
	consuming bool
	gatherer  *webrtc.ICEGatherer
	ice       *webrtc.ICETransport
	dtls      *webrtc.DTLSTransport
	iceParams domain.IceParameters
	dtlsLocal domain.DtlsParameters
}

// Transport is one ICE+DTLS endpoint. Producers and consumers created on it only start
// moving RTP after the DTLS handshake completes.
type Transport struct {
	closer
	transportInit
	candidates []domain.IceCandidate

	mu        sync.Mutex
	state     domain.TransportState
	producers map[domain.ResourceID]*Producer
	consumers map[domain.ResourceID]*Consumer

	// connected is closed once DTLS is up; closing is closed by Close.
	connected     chan struct{}
	connectedOnce sync.Once
	closing       chan struct{}
}

var _ core.MediaTransport = (*Transport)(nil)

func newTransport(init transportInit) *Transport {
	t := &Transport{
		transportInit: init,
		state:         domain.TransportCreated,
		producers:     make(map[domain.ResourceID]*Producer),
		consumers:     make(map[domain.ResourceID]*Consumer),
		connected:     make(chan struct{}),
		closing:       make(chan struct{}),
	}
	t.dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		log.Debug().Str("module", "rtc").Str("transport", string(t.id)).Str("dtls_state", s.String()).Msg("dtls state changed")
		switch s {
		case webrtc.DTLSTransportStateConnected:
			t.setState(domain.TransportConnected)
			t.connectedOnce.Do(func() { close(t.connected) })
		case webrtc.DTLSTransportStateFailed, webrtc.DTLSTransportStateClosed:
			go t.Close()
		}
	})
	return t
}

func (t *Transport) ID() domain.ResourceID { return t.id }

func (t *Transport) IceParameters() domain.IceParameters { return t.iceParams }

func (t *Transport) IceCandidates() []domain.IceCandidate {
	out := make([]domain.IceCandidate, len(t.candidates))
	copy(out, t.candidates)
	return out
}

func (t *Transport) DtlsParameters() domain.DtlsParameters { return t.dtlsLocal }

func (t *Transport) State() domain.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s domain.TransportState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != domain.TransportClosed {
		t.state = s
	}
}

// Connect records the remote ICE and DTLS parameters and starts the handshake in the
// background. It returns as soon as the parameters are accepted.
func (t *Transport) Connect(ctx context.Context, params core.ConnectParams) error {
	if params.Ice == nil {
		return fmt.Errorf("connect %s: ice parameters required: %w", t.id, domain.ErrBadRequest)
	}
	remoteDtls, err := fromDtlsParameters(params.Dtls)
	if err != nil {
		return fmt.Errorf("connect %s: %w", t.id, err)
	}
	candidates := make([]webrtc.ICECandidate, 0, len(params.Candidates))
	for _, c := range params.Candidates {
		cand, err := fromIceCandidate(c)
		if err != nil {
			return fmt.Errorf("connect %s: %w: %w", t.id, domain.ErrBadRequest, err)
		}
		candidates = append(candidates, cand)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	switch t.state {
	case domain.TransportCreated:
		t.state = domain.TransportConnecting
	case domain.TransportClosed:
		t.mu.Unlock()
		return fmt.Errorf("connect %s: %w", t.id, domain.ErrNotFound)
	default:
		t.mu.Unlock()
		return fmt.Errorf("connect %s: already connected: %w", t.id, domain.ErrBadRequest)
	}
	t.mu.Unlock()

	remoteIce := fromIceParameters(*params.Ice)
	go t.handshake(remoteIce, candidates, remoteDtls)
	return nil
}

func (t *Transport) handshake(remoteIce webrtc.ICEParameters, candidates []webrtc.ICECandidate, remoteDtls webrtc.DTLSParameters) {
	logger := log.With().Str("module", "rtc").Str("transport", string(t.id)).Logger()

	if len(candidates) > 0 {
		if err := t.ice.SetRemoteCandidates(candidates); err != nil {
			logger.Error().Err(err).Msg("set remote candidates failed")
			_ = t.Close()
			return
		}
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, remoteIce, &role); err != nil {
		if !t.isClosed() {
			logger.Error().Err(err).Msg("ice start failed")
		}
		_ = t.Close()
		return
	}
	if err := t.dtls.Start(remoteDtls); err != nil {
		if !t.isClosed() {
			logger.Error().Err(err).Msg("dtls start failed")
		}
		_ = t.Close()
		return
	}
	logger.Info().Msg("transport connected")
}

// awaitConnected blocks until DTLS is up; it reports false if the transport closed first.
func (t *Transport) awaitConnected() bool {
	select {
	case <-t.connected:
		return true
	case <-t.closing:
		return false
	}
}

// Close tears down every producer and consumer on the transport, then the transport itself.
func (t *Transport) Close() error {
	if !t.markClosed() {
		return nil
	}
	close(t.closing)

	t.mu.Lock()
	t.state = domain.TransportClosed
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	var err error
	for _, p := range producers {
		err = multierr.Append(err, p.Close())
	}
	for _, c := range consumers {
		err = multierr.Append(err, c.Close())
	}
	err = multierr.Append(err, t.dtls.Stop())
	err = multierr.Append(err, t.ice.Stop())
	err = multierr.Append(err, t.gatherer.Close())

	log.Info().Str("module", "rtc").Str("transport", string(t.id)).Msg("transport closed")
	t.fire()
	return err
}

func (t *Transport) attachProducer(p *Producer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == domain.TransportClosed {
		return fmt.Errorf("transport %s: %w", t.id, domain.ErrNotFound)
	}
	t.producers[p.id] = p
	return nil
}

func (t *Transport) attachConsumer(c *Consumer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == domain.TransportClosed {
		return fmt.Errorf("transport %s: %w", t.id, domain.ErrNotFound)
	}
	t.consumers[c.id] = c
	return nil
}

func (t *Transport) detachProducer(id domain.ResourceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *Transport) detachConsumer(id domain.ResourceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}
