package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Router holds the codec set every transport of the worker negotiates against.
type Router struct {
	worker *Worker
	codecs []domain.RtpCodecCapability
}

var _ core.MediaRouter = (*Router)(nil)

func newRouter(w *Worker, codecs []domain.RtpCodecCapability) *Router {
	return &Router{worker: w, codecs: codecs}
}

func (r *Router) RtpCapabilities() domain.RtpCapabilities {
	codecs := make([]domain.RtpCodecCapability, len(r.codecs))
	copy(codecs, r.codecs)
	return domain.RtpCapabilities{Codecs: codecs}
}

// CanConsume reports whether a peer announcing caps can decode what producer sends.
func (r *Router) CanConsume(producer core.MediaProducer, caps domain.RtpCapabilities) bool {
	if producer == nil {
		return false
	}
	params := producer.RtpParameters()
	if len(params.Codecs) == 0 {
		return false
	}
	want := params.Codecs[0]
	for _, c := range caps.Codecs {
		if c.Kind != "" && c.Kind != producer.Kind() {
			continue
		}
		if sameCodec(want.MimeType, want.ClockRate, c) {
			return true
		}
	}
	return false
}

// routerCodec returns the router's entry for a codec the client announced.
func (r *Router) routerCodec(mimeType string, clockRate uint32) (domain.RtpCodecCapability, bool) {
	for _, c := range r.codecs {
		if sameCodec(mimeType, clockRate, c) {
			return c, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

// CreateWebRtcTransport gathers local candidates and prepares the DTLS endpoint.
// The remote side is attached later by Connect.
func (r *Router) CreateWebRtcTransport(ctx context.Context, opts core.TransportOptions) (core.MediaTransport, error) {
	w := r.worker
	gatherer, err := w.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: w.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new ice gatherer: %w: %w", domain.ErrEngineFailure, err)
	}

	done := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(done)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather: %w: %w", domain.ErrEngineFailure, err)
	}

	timer := time.NewTimer(w.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn().Str("module", "rtc").Dur("timeout", w.cfg.GatherTimeout).Msg("candidate gathering timed out, using partial set")
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather: %w", ctx.Err())
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local ice parameters: %w: %w", domain.ErrEngineFailure, err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local candidates: %w: %w", domain.ErrEngineFailure, err)
	}

	ice := w.api.NewICETransport(gatherer)
	dtls, err := w.api.NewDTLSTransport(ice, w.certs)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("new dtls transport: %w: %w", domain.ErrEngineFailure, err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = dtls.Stop()
		_ = gatherer.Close()
		return nil, fmt.Errorf("local dtls parameters: %w: %w", domain.ErrEngineFailure, err)
	}

	t := newTransport(transportInit{
		id:        domain.ResourceID(uuid.NewString()),
		router:    r,
		owner:     opts.Owner,
		producing: opts.Producing,
		consuming: opts.Consuming,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		iceParams: toIceParameters(iceParams),
		dtlsLocal: toDtlsParameters(dtlsParams),
	})
	for _, c := range candidates {
		t.candidates = append(t.candidates, toIceCandidate(c))
	}
	if err := w.track(t); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("track transport: %w: %w", domain.ErrEngineFailure, err)
	}
	t.OnClose(func() { w.forget(t.id) })

	log.Info().
		Str("module", "rtc").
		Str("transport", string(t.id)).
		Str("owner", string(opts.Owner)).
		Int("candidates", len(t.candidates)).
		Msg("webrtc transport created")
	return t, nil
}
