package app

import "github.com/dkeye/peercall/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	Disconnect
)

// Policy decides what happens when a connection's outbound buffer is full.
type Policy interface {
	OnBackPressure(sid core.SessionID, push bool) BackpressureAction
}

// SimplePolicy disconnects on a lost push so the client re-subscribes and
// gets a full replay. Lost replies only time out the single request.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(sid core.SessionID, push bool) BackpressureAction {
	if push {
		return Disconnect
	}
	return DropFrame
}
