package orch

import (
	"fmt"

	"github.com/dkeye/VoiceBridge/internal/app"
	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/rs/zerolog/log"
)

// JoinCall moves the session into call, leaving its previous room first.
// Announced producers already in the room are sent to the joiner and the joiner's
// announced producers are sent to the room.
func (o *Orchestrator) JoinCall(sid core.SessionID, rawCallID string) error {
	s, err := o.Registry.Authenticated(sid)
	if err != nil {
		return err
	}
	call, err := domain.NewCallID(rawCallID)
	if err != nil {
		return fmt.Errorf("join call: %w: %v", domain.ErrBadRequest, err)
	}
	if s.CallID == call {
		return nil
	}

	o.announceMu.Lock()
	defer o.announceMu.Unlock()
	prev, err := o.Registry.UpdateRoom(sid, call)
	if err != nil {
		return err
	}
	if prev != "" {
		o.notify(domain.EventCallLeft, s, prev, "switched")
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(prev)).Msg("left room")
	}
	o.notify(domain.EventCallJoined, s, call, "")
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(call)).Msg("added to room")

	self, ok := o.Registry.GetSession(sid)
	if !ok {
		return nil
	}
	for _, m := range o.Registry.MembersOfRoom(call) {
		if m.ID == sid {
			continue
		}
		for _, p := range o.producersOf(m) {
			frame, err := core.EncodeEvent(core.EventNewProducer, NewProducerEvent{
				ProducerID: p.ID,
				UserID:     p.Owner,
				Kind:       p.MediaKind,
			})
			if err != nil {
				continue
			}
			o.push(call, self, frame)
		}
	}
	for _, p := range o.producersOf(self) {
		o.announce(call, sid, p)
	}
	return nil
}

// producersOf lists the announced producers created through session s.
func (o *Orchestrator) producersOf(s app.Session) []app.Resource {
	if s.UserID == "" {
		return nil
	}
	all := o.Store.OwnedBy(s.UserID, domain.KindProducer)
	out := all[:0]
	for _, p := range all {
		if p.Session == s.ID && p.Announced {
			out = append(out, p)
		}
	}
	return out
}

// LeaveCall drops the room association. Leaving while not in a room is a no-op.
func (o *Orchestrator) LeaveCall(sid core.SessionID) error {
	s, ok := o.Registry.GetSession(sid)
	if !ok {
		return domain.ErrSessionClosed
	}
	call, ok := o.Registry.RemoveRoom(sid)
	if !ok {
		return nil
	}
	o.notify(domain.EventCallLeft, s, call, "left")
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(call)).Msg("left room")
	return nil
}
