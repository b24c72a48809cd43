package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RelayManager owns one relay per producer. A relay is registered when the producer is created
// and starts reading once its receiver has a track, so consumers may attach in between.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.ResourceID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.ResourceID]*Relay),
	}
}

// Register creates an idle relay for producerID.
func (m *RelayManager) Register(producerID domain.ResourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.relays[producerID]; ok {
		return
	}
	m.relays[producerID] = NewRelay()
}

// StartRelay attaches the producer's remote track and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, producerID domain.ResourceID, track *webrtc.TrackRemote) bool {
	logger := log.With().
		Str("module", "relay").
		Str("producer", string(producerID)).
		Logger()

	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		logger.Warn().Msg("start on unknown relay")
		return false
	}

	relayCtx, cancel := context.WithCancel(ctx)
	relay.mu.Lock()
	if relay.cancel != nil {
		relay.cancel()
	}
	relay.cancel = cancel
	relay.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go relay.loop(relayCtx, track, &logger)
	return true
}

// AddSubscriber attaches an OutTrack for consumerID to the relay of producerID.
func (m *RelayManager) AddSubscriber(producerID, consumerID domain.ResourceID, localTrack *webrtc.TrackLocalStaticRTP, paused bool) bool {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(consumerID, NewOutTrack(localTrack, paused))
	return true
}

// Resume switches a muted subscriber back to forwarding.
func (m *RelayManager) Resume(producerID, consumerID domain.ResourceID) bool {
	ot, ok := m.subscriber(producerID, consumerID)
	if !ok {
		return false
	}
	ot.MarkOk()
	return ot.GetState() == TrackStateOk
}

// MarkSubscriberDelete marks the consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(producerID, consumerID domain.ResourceID) {
	if ot, ok := m.subscriber(producerID, consumerID); ok {
		ot.MarkDelete()
	}
}

func (m *RelayManager) SubscriberState(producerID, consumerID domain.ResourceID) (TrackState, bool) {
	ot, ok := m.subscriber(producerID, consumerID)
	if !ok {
		return TrackStateDelete, false
	}
	return ot.GetState(), true
}

func (m *RelayManager) subscriber(producerID, consumerID domain.ResourceID) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return relay.outTrack(consumerID)
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID domain.ResourceID) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.mu.Lock()
	cancel := relay.cancel
	relay.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// HasRelay reports whether a relay exists for producerID.
func (m *RelayManager) HasRelay(producerID domain.ResourceID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producerID]
	return ok
}

func (m *RelayManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
