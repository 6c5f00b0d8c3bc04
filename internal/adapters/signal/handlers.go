package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

func validDoc(ref *core.DocRef) bool {
	return ref != nil && ref.Collection != "" && ref.ID != ""
}

func validColl(ref *core.CollectionRef) bool {
	return ref != nil && validDoc(&ref.Parent) && ref.Name != ""
}

func (ctl *StoreWSController) handleCreate(ctx context.Context, sid core.SessionID, c *WsStoreConn, req Request) {
	if req.Collection == "" {
		ctl.sendError(sid, c, req.Req, CodeBadPayload, "collection required")
		return
	}
	ref, err := ctl.Store.Create(ctx, req.Collection)
	if err != nil {
		ctl.sendStoreError(sid, c, req.Req, err)
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("ref", ref.Path()).Msg("created")
	ctl.send(sid, c, Frame{Type: TypeResult, Req: req.Req, Ref: &ref}, false)
}

func (ctl *StoreWSController) handleSet(ctx context.Context, sid core.SessionID, c *WsStoreConn, req Request) {
	if !validDoc(req.Ref) {
		ctl.sendError(sid, c, req.Req, CodeBadPayload, "ref required")
		return
	}
	if err := ctl.Store.Set(ctx, *req.Ref, req.Fields); err != nil {
		ctl.sendStoreError(sid, c, req.Req, err)
		return
	}
	ctl.send(sid, c, Frame{Type: TypeResult, Req: req.Req}, false)
}

func (ctl *StoreWSController) handleUpdate(ctx context.Context, sid core.SessionID, c *WsStoreConn, req Request) {
	if !validDoc(req.Ref) {
		ctl.sendError(sid, c, req.Req, CodeBadPayload, "ref required")
		return
	}
	if err := ctl.Store.Update(ctx, *req.Ref, req.Fields); err != nil {
		ctl.sendStoreError(sid, c, req.Req, err)
		return
	}
	ctl.send(sid, c, Frame{Type: TypeResult, Req: req.Req}, false)
}

func (ctl *StoreWSController) handleGet(ctx context.Context, sid core.SessionID, c *WsStoreConn, req Request) {
	if !validDoc(req.Ref) {
		ctl.sendError(sid, c, req.Req, CodeBadPayload, "ref required")
		return
	}
	snap, err := ctl.Store.Get(ctx, *req.Ref)
	if err != nil {
		ctl.sendStoreError(sid, c, req.Req, err)
		return
	}
	ctl.send(sid, c, Frame{Type: TypeResult, Req: req.Req, Snapshot: snap}, false)
}

func (ctl *StoreWSController) handleWatch(ctx context.Context, sid core.SessionID, c *WsStoreConn, req Request) {
	if !validDoc(req.Ref) || req.Sub == "" {
		ctl.sendError(sid, c, req.Req, CodeBadPayload, "ref and sub required")
		return
	}
	if ctl.Registry.HasSubscription(sid, req.Sub) {
		ctl.sendError(sid, c, req.Req, CodeBadPayload, "sub already in use")
		return
	}
	subID := req.Sub
	sub, err := ctl.Store.Watch(ctx, *req.Ref, func(snap *core.Snapshot) {
		ctl.send(sid, c, Frame{Type: TypeSnapshot, Sub: subID, Snapshot: snap}, true)
	})
	if err != nil {
		ctl.sendStoreError(sid, c, req.Req, err)
		return
	}
	ctl.attach(sid, c, req, sub)
}

func (ctl *StoreWSController) handleWatchCollection(ctx context.Context, sid core.SessionID, c *WsStoreConn, req Request) {
	if !validColl(req.Coll) || req.Sub == "" {
		ctl.sendError(sid, c, req.Req, CodeBadPayload, "coll and sub required")
		return
	}
	if ctl.Registry.HasSubscription(sid, req.Sub) {
		ctl.sendError(sid, c, req.Req, CodeBadPayload, "sub already in use")
		return
	}
	subID := req.Sub
	sub, err := ctl.Store.WatchCollection(ctx, *req.Coll, func(changes []core.Change) {
		ctl.send(sid, c, Frame{Type: TypeChanges, Sub: subID, Changes: changes}, true)
	})
	if err != nil {
		ctl.sendStoreError(sid, c, req.Req, err)
		return
	}
	ctl.attach(sid, c, req, sub)
}

func (ctl *StoreWSController) attach(sid core.SessionID, c *WsStoreConn, req Request, sub core.Subscription) {
	if err := ctl.Registry.AddSubscription(sid, req.Sub, sub); err != nil {
		ctl.sendError(sid, c, req.Req, CodeBadPayload, err.Error())
		return
	}
	log.Debug().Str("module", "signal").Str("sid", string(sid)).Str("sub", req.Sub).Str("type", req.Type).Msg("subscribed")
	ctl.send(sid, c, Frame{Type: TypeResult, Req: req.Req, Sub: req.Sub}, false)
	go ctl.forwardEnd(sid, c, req.Sub, sub)
}

// forwardEnd tells the client when the store drops one of its subscriptions.
func (ctl *StoreWSController) forwardEnd(sid core.SessionID, c *WsStoreConn, subID string, sub core.Subscription) {
	<-sub.Done()
	err := sub.Err()
	if err == nil || !ctl.Registry.DropEnded(sid, subID, sub) {
		return
	}
	log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("sub", subID).Msg("subscription ended by store")
	ctl.send(sid, c, Frame{Type: TypeClosed, Sub: subID, Code: CodeSubClosed, Error: err.Error()}, true)
}

func (ctl *StoreWSController) handleAppend(ctx context.Context, sid core.SessionID, c *WsStoreConn, req Request) {
	if !validColl(req.Coll) || len(req.Data) == 0 {
		ctl.sendError(sid, c, req.Req, CodeBadPayload, "coll and data required")
		return
	}
	id, err := ctl.Store.Append(ctx, *req.Coll, req.Data)
	if err != nil {
		ctl.sendStoreError(sid, c, req.Req, err)
		return
	}
	ctl.send(sid, c, Frame{Type: TypeResult, Req: req.Req, ID: id}, false)
}

// handleCancel always succeeds; cancelling an unknown sub is a no-op.
func (ctl *StoreWSController) handleCancel(sid core.SessionID, c *WsStoreConn, req Request) {
	ctl.Registry.CancelSubscription(sid, req.Sub)
	ctl.send(sid, c, Frame{Type: TypeResult, Req: req.Req, Sub: req.Sub}, false)
}
