package signal

import (
	"context"

	"github.com/dkeye/VoiceBridge/internal/app/orch"
	"github.com/dkeye/VoiceBridge/internal/core"
)

// sessionCtx is cancelled when the connection goes away, aborting in-flight CRM calls.
func (ctl *SignalWSController) sessionCtx(sid core.SessionID) context.Context {
	if s, ok := ctl.Orch.Registry.GetSession(sid); ok && s.Ctx != nil {
		return s.Ctx
	}
	return context.Background()
}

func (ctl *SignalWSController) handleAuthenticate(sid core.SessionID, c *WsSignalConn, env core.Envelope) error {
	p, err := decode[authenticatePayload](ctl.validate, env.Data)
	if err != nil {
		ctl.reply(c, env.ID, orch.AuthResult{Success: false, Error: "sessionToken and userId are required"})
		return nil
	}
	res, err := ctl.Orch.Authenticate(ctl.sessionCtx(sid), sid, p.SessionToken, p.UserID)
	if err != nil {
		return err
	}
	ctl.reply(c, env.ID, res)
	return nil
}

func (ctl *SignalWSController) handleGetRtpCapabilities(sid core.SessionID, c *WsSignalConn, env core.Envelope) error {
	caps, err := ctl.Orch.GetRtpCapabilities(sid)
	if err != nil {
		return err
	}
	ctl.reply(c, env.ID, caps)
	return nil
}
