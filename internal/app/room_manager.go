package app

import (
	"sync"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
)

// RoomIndex maps call ids to member sessions. Empty rooms are dropped.
type RoomIndex struct {
	mu    sync.RWMutex
	rooms map[domain.CallID]map[core.SessionID]struct{}
}

func NewRoomIndex() *RoomIndex {
	return &RoomIndex{rooms: make(map[domain.CallID]map[core.SessionID]struct{})}
}

func (f *RoomIndex) Add(call domain.CallID, sid core.SessionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.rooms[call]
	if !ok {
		members = make(map[core.SessionID]struct{})
		f.rooms[call] = members
	}
	members[sid] = struct{}{}
}

func (f *RoomIndex) Remove(call domain.CallID, sid core.SessionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.rooms[call]
	if !ok {
		return
	}
	delete(members, sid)
	if len(members) == 0 {
		delete(f.rooms, call)
	}
}

func (f *RoomIndex) Members(call domain.CallID) []core.SessionID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	members := f.rooms[call]
	out := make([]core.SessionID, 0, len(members))
	for sid := range members {
		out = append(out, sid)
	}
	return out
}

func (f *RoomIndex) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for call, members := range f.rooms {
		out = append(out, core.RoomInfo{CallID: string(call), MemberCount: len(members)})
	}
	return out
}

func (f *RoomIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rooms)
}
