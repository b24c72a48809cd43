package signal

import (
	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoinCall(sid core.SessionID, c *WsSignalConn, env core.Envelope) error {
	p, err := decode[joinCallPayload](ctl.validate, env.Data)
	if err != nil {
		return err
	}
	if err := ctl.Orch.JoinCall(sid, p.CallSessionID); err != nil {
		return err
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("call", p.CallSessionID).Msg("join")
	ctl.reply(c, env.ID, okReply{Success: true})
	return nil
}

// handleLeaveCall leaves the current call; the connection stays open.
func (ctl *SignalWSController) handleLeaveCall(sid core.SessionID, c *WsSignalConn, env core.Envelope) error {
	if err := ctl.Orch.LeaveCall(sid); err != nil {
		return err
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.reply(c, env.ID, okReply{Success: true})
	return nil
}
