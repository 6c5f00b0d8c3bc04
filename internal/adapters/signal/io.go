package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
)

func (ctl *StoreWSController) writePump(ctx context.Context, c *WsStoreConn) {
	ticker := time.NewTicker(ctl.Opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *StoreWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsStoreConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		ctl.Registry.Unbind(sid)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.Opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.pongWait()))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.pongWait()))
			ctl.handleMessage(ctx, sid, c, data)
		}
	}
}

func isWrite(t string) bool {
	switch t {
	case TypeCreate, TypeSet, TypeUpdate, TypeAppend:
		return true
	}
	return false
}

func (ctl *StoreWSController) handleMessage(ctx context.Context, sid core.SessionID, c *WsStoreConn, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad json")
		ctl.sendError(sid, c, "", CodeBadPayload, "bad json")
		return
	}

	if isWrite(req.Type) && !ctl.Limiter.Allow(c.client) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("client", c.client).Msg("rate limited")
		ctl.sendError(sid, c, req.Req, CodeRateLimited, "too many writes")
		return
	}

	switch req.Type {
	case TypeCreate:
		ctl.handleCreate(ctx, sid, c, req)
	case TypeSet:
		ctl.handleSet(ctx, sid, c, req)
	case TypeUpdate:
		ctl.handleUpdate(ctx, sid, c, req)
	case TypeGet:
		ctl.handleGet(ctx, sid, c, req)
	case TypeWatch:
		ctl.handleWatch(ctx, sid, c, req)
	case TypeWatchCollection:
		ctl.handleWatchCollection(ctx, sid, c, req)
	case TypeAppend:
		ctl.handleAppend(ctx, sid, c, req)
	case TypeCancel:
		ctl.handleCancel(sid, c, req)
	case TypePing:
		ctl.send(sid, c, Frame{Type: TypePong, Req: req.Req}, false)
	default:
		log.Warn().Str("module", "signal").Str("type", req.Type).Msg("unknown request")
		ctl.sendError(sid, c, req.Req, CodeBadPayload, "unknown type "+req.Type)
	}
}

func (ctl *StoreWSController) send(sid core.SessionID, c *WsStoreConn, f Frame, push bool) {
	b, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	err = c.TrySend(b)
	if !errors.Is(err, core.ErrBackpressure) {
		return
	}
	switch ctl.Policy.OnBackPressure(sid, push) {
	case app.Disconnect:
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("frame", f.Type).Msg("backpressure, disconnecting")
		ctl.Registry.Cancel(sid)
	case app.DropFrame:
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("frame", f.Type).Msg("backpressure, frame dropped")
	}
}

func (ctl *StoreWSController) sendError(sid core.SessionID, c *WsStoreConn, req, code, msg string) {
	ctl.send(sid, c, Frame{Type: TypeError, Req: req, Code: code, Error: msg}, false)
}

func (ctl *StoreWSController) sendStoreError(sid core.SessionID, c *WsStoreConn, req string, err error) {
	switch {
	case errors.Is(err, core.ErrNoDocument):
		ctl.sendError(sid, c, req, CodeNotFound, err.Error())
	default:
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("store error")
		ctl.sendError(sid, c, req, CodeInternal, err.Error())
	}
}
