package orch

import (
	"context"
	"errors"
	"strings"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/dkeye/VoiceBridge/internal/infrastructure/metrics"
	"github.com/rs/zerolog/log"
)

type AuthResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func authFailed(reason string) AuthResult {
	metrics.AuthTotal.WithLabelValues("rejected").Inc()
	return AuthResult{Success: false, Error: reason}
}

// Authenticate validates the token with the CRM and binds the session to userID.
// Every failure, including an unreachable CRM, leaves the session unauthenticated.
func (o *Orchestrator) Authenticate(ctx context.Context, sid core.SessionID, sessionToken, userID string) (AuthResult, error) {
	s, ok := o.Registry.GetSession(sid)
	if !ok {
		return AuthResult{}, domain.ErrSessionClosed
	}
	uid, err := domain.NewUserID(userID)
	if err != nil {
		return authFailed(err.Error()), nil
	}
	if strings.TrimSpace(sessionToken) == "" {
		return authFailed("session token is required"), nil
	}
	if s.UserID != "" && s.UserID != uid {
		return authFailed("session is bound to another user"), nil
	}

	valid, err := o.Validator.Validate(ctx, sessionToken, uid)
	if err != nil {
		log.Warn().
			Err(err).
			Str("module", "orch").
			Str("sid", string(sid)).
			Str("user", string(uid)).
			Msg("session validation failed, rejecting")
		metrics.AuthTotal.WithLabelValues("unavailable").Inc()
		return AuthResult{Success: false, Error: "session validation unavailable"}, nil
	}
	if !valid {
		return authFailed("invalid session"), nil
	}

	if err := o.Registry.Authenticate(sid, uid); err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			return authFailed("session is bound to another user"), nil
		}
		return AuthResult{}, err
	}
	metrics.AuthTotal.WithLabelValues("accepted").Inc()
	return AuthResult{Success: true}, nil
}

// GetRtpCapabilities returns the router's codec set to an authenticated session.
func (o *Orchestrator) GetRtpCapabilities(sid core.SessionID) (domain.RtpCapabilities, error) {
	if !o.Registry.IsAuthenticated(sid) {
		return domain.RtpCapabilities{}, domain.ErrUnauthenticated
	}
	return o.Router.RtpCapabilities(), nil
}
