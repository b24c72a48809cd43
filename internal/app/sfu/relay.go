package sfu

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/dkeye/VoiceBridge/internal/infrastructure/metrics"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type subscriber struct {
	consumerID domain.ResourceID
	out        *OutTrack
}

// Relay fans one producer's RTP out to its consumers. The forwarding loop reads an
// immutable subscriber list; writers replace it under mu.
type Relay struct {
	mu        sync.Mutex
	outTracks map[domain.ResourceID]*OutTrack
	view      atomic.Pointer[[]subscriber]
	cancel    context.CancelFunc

	forwarded atomic.Uint64
}

func NewRelay() *Relay {
	r := &Relay{outTracks: make(map[domain.ResourceID]*OutTrack)}
	r.view.Store(&[]subscriber{})
	return r
}

// publish rebuilds the loop's view. Caller holds mu.
func (r *Relay) publish() {
	subs := make([]subscriber, 0, len(r.outTracks))
	for id, ot := range r.outTracks {
		subs = append(subs, subscriber{consumerID: id, out: ot})
	}
	r.view.Store(&subs)
}

// loop reads RTP from the producer's track until it ends or ctx is cancelled.
func (r *Relay) loop(ctx context.Context, src *webrtc.TrackRemote, logger *zerolog.Logger) {
	defer r.markAllDelete()
	for {
		if ctx.Err() != nil {
			logger.Info().Uint64("forwarded", r.forwarded.Load()).Msg("relay stopped")
			return
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Uint64("forwarded", r.forwarded.Load()).Msg("relay source ended")
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	var dirty []domain.ResourceID
	sent := 0
	for _, s := range *r.view.Load() {
		switch s.out.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, s.consumerID)
		case TrackStateOk:
			if err := s.out.Track.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("consumer", string(s.consumerID)).Msg("write RTP failed, dropping subscriber")
				metrics.RTPWriteErrors.Inc()
				s.out.MarkDelete()
				dirty = append(dirty, s.consumerID)
				continue
			}
			sent++
		}
	}
	if sent > 0 {
		r.forwarded.Add(uint64(sent))
		metrics.RTPPacketsForwarded.Add(float64(sent))
	}
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.ResourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := false
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, id)
			removed = true
		}
	}
	if removed {
		r.publish()
	}
}

func (r *Relay) markAllDelete() {
	for _, s := range *r.view.Load() {
		s.out.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(consumerID domain.ResourceID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[consumerID] = ot
	r.publish()
}

func (r *Relay) outTrack(consumerID domain.ResourceID) (*OutTrack, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ot, ok := r.outTracks[consumerID]
	return ot, ok
}

func (r *Relay) Len() int {
	return len(*r.view.Load())
}

// Forwarded is the number of packets written to subscribers so far.
func (r *Relay) Forwarded() uint64 {
	return r.forwarded.Load()
}
