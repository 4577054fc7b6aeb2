package session

import "errors"

var (
	// ErrNotLoggedIn is returned when either the token or the user id is missing.
	// Callers redirect to authentication; it is never fatal.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrAlreadySet is returned when a Holder already carries a different session.
	ErrAlreadySet = errors.New("session already set")
)
