package core

import (
	"context"

	"github.com/dkeye/VoiceBridge/internal/domain"
)

// SessionValidator checks a browser session token against the CRM.
type SessionValidator interface {
	Validate(ctx context.Context, sessionToken string, userID domain.UserID) (bool, error)
}

// CallEventNotifier relays call lifecycle events. Notify must never block.
type CallEventNotifier interface {
	Notify(ev domain.CallEvent)
}
