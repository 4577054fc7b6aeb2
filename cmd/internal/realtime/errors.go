package realtime

import "errors"

var (
	ErrNotConnected    = errors.New("realtime: not connected")
	ErrInvalidEndpoint = errors.New("realtime: invalid endpoint")
	ErrAuthRejected    = errors.New("realtime: credentials rejected")
	ErrSubprotocol     = errors.New("realtime: subprotocol not negotiated")
	ErrAckTimeout      = errors.New("realtime: ack timeout")
	ErrHeartbeat       = errors.New("realtime: heartbeat failed")
)

// Disconnect reasons carried by the local disconnect event.
const (
	ReasonClientDisconnect = "client disconnect"
	ReasonServerDisconnect = "server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
	ReasonWriteFailed      = "write failed"
)

// ServerError is an error envelope correlated to an emit.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return "realtime: server error: " + e.Code + ": " + e.Message
}
