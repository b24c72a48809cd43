package core

// SessionID identifies one live signaling connection.
type SessionID string

// RoomInfo is a read-only view of a call room for status APIs.
type RoomInfo struct {
	CallID      string `json:"call_id"`
	MemberCount int    `json:"member_count"`
}
