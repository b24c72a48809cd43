package orch

import (
	"time"

	"github.com/dkeye/VoiceBridge/internal/app"
	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/dkeye/VoiceBridge/internal/infrastructure/metrics"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// OnDisconnect tears a session down: its context is cancelled so in-flight creates are
// refused, the room is left with a call_left event, then the user's media is swept.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	s, ok := o.Registry.Unbind(sid)
	if !ok {
		return
	}
	if s.CallID != "" {
		o.notify(domain.EventCallLeft, s, s.CallID, "disconnect")
	}
	if s.UserID == "" {
		return
	}
	if err := o.cleanup(s.UserID, map[core.SessionID]domain.CallID{s.ID: s.CallID}); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("user", string(s.UserID)).Msg("cleanup finished with errors")
	}
}

// CleanupUser closes and deregisters everything userID owns. Concurrent calls for the same
// user share one sweep; a call that finds nothing returns nil.
func (o *Orchestrator) CleanupUser(userID domain.UserID) error {
	return o.cleanup(userID, nil)
}

// cleanup runs the shared sweep. left maps sessions that are already unbound to the room
// they were in, so their rooms still hear producer-closed.
func (o *Orchestrator) cleanup(userID domain.UserID, left map[core.SessionID]domain.CallID) error {
	_, err, _ := o.cleanups.Do(string(userID), func() (any, error) {
		return nil, o.cleanupUser(userID, left)
	})
	return err
}

func (o *Orchestrator) cleanupUser(userID domain.UserID, left map[core.SessionID]domain.CallID) error {
	start := time.Now()
	swept := o.Store.Sweep(userID)
	if len(swept) == 0 {
		return nil
	}

	var err error
	for _, res := range swept {
		if res.Kind == domain.KindProducer {
			// Consumers held by other users outlive the sweep; close them so their
			// owners are told the stream is gone.
			for _, c := range o.Store.ConsumersOf(res.ID) {
				if c.Handle != nil {
					err = multierr.Append(err, c.Handle.Close())
				}
			}
		}
		if res.Handle != nil {
			err = multierr.Append(err, res.Handle.Close())
		}
		if res.Kind == domain.KindProducer {
			o.broadcastProducerClosed(res, left)
		}
	}

	metrics.CleanupDuration.Observe(time.Since(start).Seconds())
	log.Info().
		Str("module", "orch").
		Str("user", string(userID)).
		Int("resources", len(swept)).
		Dur("took", time.Since(start)).
		Msg("user resources released")
	return err
}

// broadcastProducerClosed tells the room of res.Session that the producer is gone. left
// supplies the room for sessions that are already unbound.
func (o *Orchestrator) broadcastProducerClosed(res app.Resource, left map[core.SessionID]domain.CallID) {
	call, ok := left[res.Session]
	if !ok || call == "" {
		if call, ok = o.Registry.RoomOf(res.Session); !ok {
			return
		}
	}
	frame, err := core.EncodeEvent(core.EventProducerClosed, ProducerClosedEvent{ProducerID: res.ID})
	if err != nil {
		return
	}
	o.broadcastRoom(call, res.Session, frame)
}
