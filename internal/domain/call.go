package domain

import "errors"

const MaxCallIDLen = 64

var (
	ErrCallIDEmpty   = errors.New("call session id empty")
	ErrCallIDTooLong = errors.New("call session id too long")
)

// CallID identifies a call room. A room exists only while it has members.
type CallID string

func NewCallID(raw string) (CallID, error) {
	if len(raw) == 0 {
		return "", ErrCallIDEmpty
	}
	if len(raw) > MaxCallIDLen {
		return "", ErrCallIDTooLong
	}
	return CallID(raw), nil
}

type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateInCall
)

func (s SessionState) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateInCall:
		return "in-call"
	default:
		return "unauthenticated"
	}
}
