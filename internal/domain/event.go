package domain

import "time"

type CallEventType string

const (
	EventCallJoined CallEventType = "call_joined"
	EventCallLeft   CallEventType = "call_left"
)

// CallEvent is relayed to the CRM. SessionID + Type + Timestamp identify it.
type CallEvent struct {
	Type      CallEventType
	UserID    UserID
	CallID    CallID
	SessionID string
	Reason    string
	Timestamp time.Time
}
