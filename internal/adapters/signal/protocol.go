package signal

import (
	"encoding/json"

	"github.com/dkeye/peercall/internal/core"
)

// Request types sent by clients.
const (
	TypeCreate          = "create"
	TypeSet             = "set"
	TypeUpdate          = "update"
	TypeGet             = "get"
	TypeWatch           = "watch"
	TypeWatchCollection = "watch_collection"
	TypeAppend          = "append"
	TypeCancel          = "cancel"
	TypePing            = "ping"
)

// Frame types sent by the server.
const (
	TypeResult   = "result"
	TypeError    = "error"
	TypeSnapshot = "snapshot"
	TypeChanges  = "changes"
	TypeClosed   = "closed"
	TypePong     = "pong"
)

// Error codes.
const (
	CodeNotFound    = "not_found"
	CodeBadPayload  = "bad_payload"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
	CodeSubClosed   = "subscription_closed"
)

// Request is one client frame. Sub is chosen by the client for watch
// requests so pushes can be routed before the result arrives.
type Request struct {
	Type       string              `json:"type"`
	Req        string              `json:"req"`
	Collection string              `json:"collection,omitempty"`
	Ref        *core.DocRef        `json:"ref,omitempty"`
	Coll       *core.CollectionRef `json:"coll,omitempty"`
	Fields     core.Fields         `json:"fields,omitempty"`
	Data       json.RawMessage     `json:"data,omitempty"`
	Sub        string              `json:"sub,omitempty"`
}

// Frame is one server frame: a result, an error or a subscription push. A
// closed push ends the subscription Sub; no further pushes follow for it.
type Frame struct {
	Type     string         `json:"type"`
	Req      string         `json:"req,omitempty"`
	Sub      string         `json:"sub,omitempty"`
	Ref      *core.DocRef   `json:"ref,omitempty"`
	ID       string         `json:"id,omitempty"`
	Snapshot *core.Snapshot `json:"snapshot,omitempty"`
	Changes  []core.Change  `json:"changes,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
}
