// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	CallsCollection  = "calls"
	OfferCandidates  = "offerCandidates"
	AnswerCandidates = "answerCandidates"

	FieldOffer  = "offer"
	FieldAnswer = "answer"

	MaxCallIDLen = 128
)

var (
	ErrCallIDEmpty   = errors.New("call id empty")
	ErrCallIDTooLong = errors.New("call id too long")
)

// CallID is the store-generated id of a call record. It doubles as the
// invitation token users read aloud or paste.
type CallID string

// ParseCallID trims a user-supplied id. Ids are case-sensitive and otherwise
// kept as given.
func ParseCallID(raw string) (CallID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrCallIDEmpty
	}
	if len(id) > MaxCallIDLen {
		return "", ErrCallIDTooLong
	}
	return CallID(id), nil
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is the wire form of one half of the negotiation.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Call is the rendezvous record: the offer is written once by the initiator,
// the answer at most once by the joiner.
type Call struct {
	ID     CallID              `json:"id"`
	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`
}

// Side names the candidate group a peer writes to.
type Side int

const (
	SideOfferer Side = iota
	SideAnswerer
)

// CandidatesGroup returns the sub-collection holding this side's candidates.
func (s Side) CandidatesGroup() string {
	if s == SideOfferer {
		return OfferCandidates
	}
	return AnswerCandidates
}

// Remote returns the opposite side.
func (s Side) Remote() Side {
	if s == SideOfferer {
		return SideAnswerer
	}
	return SideOfferer
}

func (s Side) String() string {
	if s == SideOfferer {
		return "offerer"
	}
	return "answerer"
}
