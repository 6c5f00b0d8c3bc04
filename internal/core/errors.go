package core

import (
	"errors"
	"fmt"
)

var (
	// ErrCallActive rejects a call attempt while another one is held by the session.
	ErrCallActive = errors.New("a call is already active, hang up first")
	// ErrCaptureInProgress rejects a second concurrent capture request.
	ErrCaptureInProgress = errors.New("capture already in progress")
	// ErrHungUp is returned by an operation whose session was hung up while it was running.
	ErrHungUp = errors.New("session hung up")
	// ErrBackpressure is returned when an outbound buffer is full.
	ErrBackpressure = errors.New("backpressure")
	// ErrSubscriptionClosed is reported by Subscription.Err when the store ends a
	// subscription that was not cancelled.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// CaptureError reports an unavailable or denied media device.
type CaptureError struct{ Err error }

func (e *CaptureError) Error() string { return fmt.Sprintf("capture: %v", e.Err) }
func (e *CaptureError) Unwrap() error { return e.Err }

// SignalingError reports a failed store read or write.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string { return fmt.Sprintf("signaling %s: %v", e.Op, e.Err) }
func (e *SignalingError) Unwrap() error { return e.Err }

// NegotiationError reports a session description the primitive rejected or
// could not produce.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string { return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err) }
func (e *NegotiationError) Unwrap() error { return e.Err }

// NotFoundError is returned when joining a call that holds no offer, either
// because the id is unknown or because the initiator has not offered yet.
type NotFoundError struct{ CallID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("call %q not found or has no offer", e.CallID) }
