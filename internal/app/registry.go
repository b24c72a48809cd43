package app

import (
	"context"
	"sync"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/rs/zerolog/log"
)

// Session is a read-only snapshot of one signaling connection.
type Session struct {
	ID          core.SessionID
	ClientToken string
	UserID      domain.UserID
	CallID      domain.CallID
	Signal      core.SignalConnection
	Ctx         context.Context
}

func (s Session) State() domain.SessionState {
	switch {
	case s.UserID == "":
		return domain.StateUnauthenticated
	case s.CallID == "":
		return domain.StateAuthenticated
	default:
		return domain.StateInCall
	}
}

type sessionEntry struct {
	clientToken string
	userID      domain.UserID
	callID      domain.CallID
	signal      core.SignalConnection
	ctx         context.Context
	cancel      context.CancelFunc
}

func (e *sessionEntry) snapshot(sid core.SessionID) Session {
	return Session{
		ID:          sid,
		ClientToken: e.clientToken,
		UserID:      e.userID,
		CallID:      e.callID,
		Signal:      e.signal,
		Ctx:         e.ctx,
	}
}

// Registry is the only owner of session state: authentication, per-user groups and room membership.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	users    map[domain.UserID]map[core.SessionID]struct{}
	rooms    *RoomIndex
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		users:    make(map[domain.UserID]map[core.SessionID]struct{}),
		rooms:    NewRoomIndex(),
	}
}

// BindSignal admits a new unauthenticated connection. The returned context ends on Unbind.
func (r *Registry) BindSignal(parent context.Context, sid core.SessionID, clientToken string, conn core.SignalConnection) context.Context {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[sid]; ok {
		old.cancel()
	}
	r.sessions[sid] = &sessionEntry{
		clientToken: clientToken,
		signal:      conn,
		ctx:         ctx,
		cancel:      cancel,
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
	return ctx
}

func (r *Registry) GetSession(sid core.SessionID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.snapshot(sid), true
	}
	return Session{}, false
}

// Authenticate binds sid to uid and subscribes it to the user's group.
// Re-authenticating as the same user is a no-op; switching users is refused.
func (r *Registry) Authenticate(sid core.SessionID, uid domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return domain.ErrSessionClosed
	}
	if e.userID != "" {
		if e.userID == uid {
			return nil
		}
		return domain.ErrForbidden
	}
	e.userID = uid
	group, ok := r.users[uid]
	if !ok {
		group = make(map[core.SessionID]struct{})
		r.users[uid] = group
	}
	group[sid] = struct{}{}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(uid)).Msg("authenticated")
	return nil
}

func (r *Registry) IsAuthenticated(sid core.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	return ok && e.userID != ""
}

// Authenticated returns the session snapshot or ErrUnauthenticated.
func (r *Registry) Authenticated(sid core.SessionID) (Session, error) {
	s, ok := r.GetSession(sid)
	if !ok || s.UserID == "" {
		return Session{}, domain.ErrUnauthenticated
	}
	return s, nil
}

func (r *Registry) SessionsOfUser(uid domain.UserID) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group := r.users[uid]
	out := make([]Session, 0, len(group))
	for sid := range group {
		if e, ok := r.sessions[sid]; ok {
			out = append(out, e.snapshot(sid))
		}
	}
	return out
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.CallID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.callID == "" {
		return "", false
	}
	return e.callID, true
}

// UpdateRoom moves sid into call and returns the room it left, if any.
func (r *Registry) UpdateRoom(sid core.SessionID, call domain.CallID) (domain.CallID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return "", domain.ErrSessionClosed
	}
	prev := e.callID
	if prev != "" {
		r.rooms.Remove(prev, sid)
	}
	e.callID = call
	r.rooms.Add(call, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(call)).Msg("updated room")
	return prev, nil
}

// RemoveRoom clears the room association and reports the room that was left.
func (r *Registry) RemoveRoom(sid core.SessionID) (domain.CallID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || e.callID == "" {
		return "", false
	}
	prev := e.callID
	r.rooms.Remove(prev, sid)
	e.callID = ""
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(prev)).Msg("removed room association")
	return prev, true
}

func (r *Registry) MembersOfRoom(call domain.CallID) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sids := r.rooms.Members(call)
	out := make([]Session, 0, len(sids))
	for _, sid := range sids {
		if e, ok := r.sessions[sid]; ok {
			out = append(out, e.snapshot(sid))
		}
	}
	return out
}

// RoomMates returns the other members of sid's room.
func (r *Registry) RoomMates(sid core.SessionID) []Session {
	call, ok := r.RoomOf(sid)
	if !ok {
		return nil
	}
	members := r.MembersOfRoom(call)
	out := members[:0]
	for _, m := range members {
		if m.ID != sid {
			out = append(out, m)
		}
	}
	return out
}

// Unbind destroys the session and cancels its context. The final snapshot is returned once.
func (r *Registry) Unbind(sid core.SessionID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return Session{}, false
	}
	snap := e.snapshot(sid)
	e.cancel()
	if e.callID != "" {
		r.rooms.Remove(e.callID, sid)
	}
	if e.userID != "" {
		if group, ok := r.users[e.userID]; ok {
			delete(group, sid)
			if len(group) == 0 {
				delete(r.users, e.userID)
			}
		}
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
	return snap, true
}

func (r *Registry) Rooms() []core.RoomInfo {
	return r.rooms.List()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
