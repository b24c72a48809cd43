// Package domain contains entity without logic, just meta-data
package domain

import "errors"

// CRM user ids are usually e-mail addresses.
const MaxUserIDLen = 140

var (
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDEmpty   = errors.New("user id empty")
)

type UserID string

// NewUserID validates a client supplied user id.
func NewUserID(raw string) (UserID, error) {
	if len(raw) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(raw), nil
}
