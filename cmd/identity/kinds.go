package identity

import "errors"

// Sentinel error kinds (stable for errors.Is).
var (
	ErrInvalidInput   = errors.New("invalid_input")
	ErrMalformedRoom  = errors.New("malformed_room")
	ErrNotParticipant = errors.New("not_participant")
)
