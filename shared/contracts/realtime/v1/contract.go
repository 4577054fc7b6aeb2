// Package v1 defines the unigate realtime protocol v1 contract.
//
// Every frame on the wire is an Envelope. Named events carry their payload as raw JSON so
// that the client can normalize loosely-shaped server payloads at the ingress boundary.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the websocket handshake.
const Subprotocol = "unigate.realtime.v1"

// Session handshake (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake and carries the server-assigned connection id.
	TypeHelloAck = "hello_ack"
	// TypeAck acknowledges an emitted envelope; ReplyTo carries the original envelope id.
	TypeAck = "ack"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Outbound events (client -> server).
const (
	EventJoinUserRoom   = "joinUserRoom"
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventSendMessage    = "sendMessage"
	EventTyping         = "typing"
	EventStopTyping     = "stopTyping"
	EventCallInvitation = "callInvitation"
)

// Inbound events (server -> client). EventCallInvitation is used in both directions.
const (
	EventMessageNotification = "messageNotification"
	EventChatMessage         = "chat_message"
	EventNewMessage          = "new_message"
	EventMessageSent         = "messageSent"
	EventUserTyping          = "userTyping"
	EventUserStoppedTyping   = "userStoppedTyping"
)

// Local lifecycle events. They never travel on the wire; the connection manager
// synthesizes them for subscribers.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

var wireTypes = map[string]struct{}{
	TypeHello:                {},
	TypeHelloAck:             {},
	TypeAck:                  {},
	TypeError:                {},
	EventJoinUserRoom:        {},
	EventJoinRoom:            {},
	EventLeaveRoom:           {},
	EventSendMessage:         {},
	EventTyping:              {},
	EventStopTyping:          {},
	EventCallInvitation:      {},
	EventMessageNotification: {},
	EventChatMessage:         {},
	EventNewMessage:          {},
	EventMessageSent:         {},
	EventUserTyping:          {},
	EventUserStoppedTyping:   {},
}

// IsWireType reports whether t may appear in an Envelope.
func IsWireType(t string) bool {
	_, ok := wireTypes[t]
	return ok
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsWireType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	if e.Type == TypeAck && strings.TrimSpace(e.ReplyTo) == "" {
		return errors.New("missing field: reply_to")
	}
	return nil
}
