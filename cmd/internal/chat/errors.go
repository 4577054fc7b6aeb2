package chat

import "errors"

var (
	ErrMissingRoom = errors.New("chat: payload without room id")
	ErrBadPayload  = errors.New("chat: unreadable payload")
	ErrEmptyText   = errors.New("chat: empty message text")
	ErrClosed      = errors.New("chat: room closed")
)
