package signal

import (
	"time"

	"github.com/dkeye/VoiceBridge/internal/core"
)

func (ctl *SignalWSController) handlePing(_ core.SessionID, c *WsSignalConn, env core.Envelope) error {
	pong := pongEvent{Time: time.Now().UnixMilli()}
	if env.ID != nil {
		ctl.reply(c, env.ID, pong)
		return nil
	}
	ctl.push(c, core.EventPong, pong)
	return nil
}
