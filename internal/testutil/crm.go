package testutil

import (
	"context"
	"sync"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
)

// Validator accepts the token/user pairs in Valid. Err, when set, is returned instead.
type Validator struct {
	mu    sync.Mutex
	Valid map[string]domain.UserID
	Err   error
	calls int
}

var _ core.SessionValidator = (*Validator)(nil)

func NewValidator(pairs map[string]domain.UserID) *Validator {
	return &Validator{Valid: pairs}
}

func (v *Validator) Validate(ctx context.Context, token string, userID domain.UserID) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.Err != nil {
		return false, v.Err
	}
	uid, ok := v.Valid[token]
	return ok && uid == userID, nil
}

func (v *Validator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// Notifier records every call event.
type Notifier struct {
	mu     sync.Mutex
	events []domain.CallEvent
}

var _ core.CallEventNotifier = (*Notifier)(nil)

func (n *Notifier) Notify(ev domain.CallEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *Notifier) Events() []domain.CallEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.CallEvent, len(n.events))
	copy(out, n.events)
	return out
}

// Count returns how many events match typ, user and call.
func (n *Notifier) Count(typ domain.CallEventType, user domain.UserID, call domain.CallID) int {
	count := 0
	for _, ev := range n.Events() {
		if ev.Type == typ && ev.UserID == user && ev.CallID == call {
			count++
		}
	}
	return count
}
