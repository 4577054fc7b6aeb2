// Package call discovers call invitations, routes them to the incoming-call flow and owns
// the single active call of the process.
//
// Invitations arrive two ways. Links embedded in chat messages are a fallback discovery
// path and are time-boxed by the detector's expiry. Explicit callInvitation events are
// trusted as fresh and are never expired.
package call

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTransition is returned when a call action does not apply to the room's phase.
	ErrInvalidTransition = errors.New("call: invalid transition")

	// ErrCallActive is returned when a call is started while another one is active.
	ErrCallActive = errors.New("call: another call is active")

	// ErrBadInvitation is returned for explicit invitations that cannot be routed.
	ErrBadInvitation = errors.New("call: bad invitation")

	// ErrBadLinkPrefix is returned for a call-link prefix that is not an absolute http(s) URL.
	ErrBadLinkPrefix = errors.New("call: bad link prefix")
)

const (
	TypeVideo = "video"
	TypeAudio = "audio"
)

// Source tells where an invitation was discovered.
type Source string

const (
	SourceMessage Source = "message"
	SourceHistory Source = "history"
	SourceEvent   Source = "event"
	SourceLocal   Source = "local"
)

// Invitation is a call offer bound to a room. CallerID authored the link.
type Invitation struct {
	CallerID   string
	CallerName string
	CalleeID   string
	CallURL    string
	RoomID     string
	CallType   string
	CreatedAt  time.Time
	Source     Source
}

// Verdict is the outcome of inspecting one message.
type Verdict string

const (
	VerdictNone          Verdict = "none"
	VerdictSelf          Verdict = "self"
	VerdictExpired       Verdict = "expired"
	VerdictMalformedRoom Verdict = "malformed_room"
	VerdictForeignRoom   Verdict = "foreign_room"
	VerdictDetected      Verdict = "detected"
)

// IncomingCall is what the incoming-call flow needs to render and join a call.
type IncomingCall struct {
	CallerName string
	CallerID   string
	CallURL    string
	RoomID     string
	CallType   string
	IsCaller   bool
}
