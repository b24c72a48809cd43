package app

import (
	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send queue is full during a room broadcast.
type Policy interface {
	OnBackPressure(call domain.CallID, sid core.SessionID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.CallID, core.SessionID) BackpressureAction {
	return KickMember
}

// DropPolicy keeps slow members connected and loses the frame.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.CallID, core.SessionID) BackpressureAction {
	return DropFrame
}

// PolicyByName maps the config value onto a Policy.
func PolicyByName(name string) Policy {
	if name == "drop" {
		return DropPolicy{}
	}
	return SimplePolicy{}
}
