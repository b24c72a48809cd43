package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/dkeye/VoiceBridge/internal/infrastructure/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type handlerFunc func(sid core.SessionID, c *WsSignalConn, env core.Envelope) error

func (ctl *SignalWSController) writePump(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("writePump ctx done")
			return
		case o, ok := <-c.send:
			if !ok {
				return
			}
			err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteTimeout))
			if err == nil {
				err = c.conn.WriteMessage(websocket.TextMessage, o.data)
			}
			if o.done != nil {
				o.done <- err
			}
			if err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(ctl.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("ping failed")
				return
			}
		}
	}
}

// readPump handles one message at a time, which keeps per-session order.
func (ctl *SignalWSController) readPump(sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		c.Close()
		ctl.limiter.Forget(sid)
		metrics.ActiveConnections.Dec()
		ctl.Orch.OnDisconnect(sid)
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		ctl.handleSignal(sid, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(sid core.SessionID, c *WsSignalConn, data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad json")
		metrics.RecordMessage("invalid", codeBadRequest)
		return
	}

	if !ctl.limiter.Allow(sid) {
		ctl.replyError(c, env.ID, domain.ErrRateLimited)
		metrics.RecordMessage(env.Type, codeRateLimited)
		return
	}

	h, ok := ctl.handlers[env.Type]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.replyError(c, env.ID, fmt.Errorf("%w: unknown message type %q", domain.ErrBadRequest, env.Type))
		metrics.RecordMessage("unknown", codeBadRequest)
		return
	}

	code := "ok"
	if err := h(sid, c, env); err != nil {
		code = errorCode(err)
		ev := log.Debug()
		if code == codeEngineFailure || code == codeInternal {
			ev = log.Warn()
		}
		ev.Err(err).Str("module", "signal").Str("sid", string(sid)).Str("type", env.Type).Msg("request failed")
		ctl.replyError(c, env.ID, err)
	}
	metrics.RecordMessage(env.Type, code)
}

// reply answers a request. Requests without an id get no reply.
func (ctl *SignalWSController) reply(c *WsSignalConn, id *int64, data any) {
	if id == nil {
		return
	}
	f, err := core.EncodeReply(*id, data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode reply")
		return
	}
	if err := c.TrySend(f); err != nil {
		log.Warn().Err(err).Str("module", "signal").Int64("id", *id).Msg("reply not queued")
	}
}

func (ctl *SignalWSController) replyError(c *WsSignalConn, id *int64, err error) {
	ctl.reply(c, id, newErrorReply(err))
}

func (ctl *SignalWSController) push(c *WsSignalConn, typ string, data any) {
	f, err := core.EncodeEvent(typ, data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode event")
		return
	}
	if err := c.TrySend(f); err != nil && !errors.Is(err, ErrConnClosed) {
		log.Warn().Err(err).Str("module", "signal").Str("type", typ).Msg("event not queued")
	}
}
