// Package storage provides the client's persisted key-value capability.
//
// Values are opaque strings. The session credentials and the call hand-off written by the
// call router live here; nothing else in the runtime persists state.
package storage

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("storage: key not found")

	// ErrInvalidKey is returned for blank keys.
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// Persisted keys (wire-compatible with the app's existing local storage).
const (
	KeyUserToken      = "userToken"
	KeyLoggedInUserID = "loggedInUserId"

	KeyCallURL     = "callUrl"
	KeyPartnerID   = "partnerId"
	KeyPartnerName = "partnerName"
	KeyCallRoomID  = "callRoomId"
)

// Store is a simple get/set/remove capability.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}

// CallHandoff is written when an invitation is routed and read when the call flow starts.
type CallHandoff struct {
	CallURL     string
	PartnerID   string
	PartnerName string
	RoomID      string
}

// WriteCallHandoff persists all hand-off keys.
func WriteCallHandoff(ctx context.Context, st Store, h CallHandoff) error {
	pairs := [][2]string{
		{KeyCallURL, h.CallURL},
		{KeyPartnerID, h.PartnerID},
		{KeyPartnerName, h.PartnerName},
		{KeyCallRoomID, h.RoomID},
	}
	for _, kv := range pairs {
		if err := st.Set(ctx, kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// ReadCallHandoff loads the hand-off. Missing keys read as empty strings; the hand-off is
// reported missing (ErrNotFound) only when no call URL was stored.
func ReadCallHandoff(ctx context.Context, st Store) (CallHandoff, error) {
	var h CallHandoff
	targets := []struct {
		key string
		dst *string
	}{
		{KeyCallURL, &h.CallURL},
		{KeyPartnerID, &h.PartnerID},
		{KeyPartnerName, &h.PartnerName},
		{KeyCallRoomID, &h.RoomID},
	}
	for _, t := range targets {
		v, err := st.Get(ctx, t.key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return CallHandoff{}, err
		}
		*t.dst = v
	}
	if h.CallURL == "" {
		return CallHandoff{}, ErrNotFound
	}
	return h, nil
}

// ClearCallHandoff removes all hand-off keys.
func ClearCallHandoff(ctx context.Context, st Store) error {
	for _, k := range []string{KeyCallURL, KeyPartnerID, KeyPartnerName, KeyCallRoomID} {
		if err := st.Remove(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
