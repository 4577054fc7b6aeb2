package restapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is returned when no token is available or the backend answers 401.
	ErrUnauthorized = errors.New("restapi: unauthorized")

	ErrForbidden   = errors.New("restapi: forbidden")
	ErrNotFound    = errors.New("restapi: not found")
	ErrBadRequest  = errors.New("restapi: bad request")
	ErrRateLimited = errors.New("restapi: rate limited")
	ErrServer      = errors.New("restapi: server error")

	// ErrBadResponse is returned when a 2xx body cannot be read.
	ErrBadResponse = errors.New("restapi: bad response")
)

// APIError is a non-2xx response. It unwraps to the sentinel of its status class.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("restapi: %d %s: %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("restapi: %d: %s", e.Status, msg)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Status == http.StatusForbidden:
		return ErrForbidden
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Status >= 500:
		return ErrServer
	default:
		return ErrBadRequest
	}
}
