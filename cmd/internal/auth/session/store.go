package session

import (
	"context"
	"errors"
	"strings"

	"unigate/cmd/internal/storage"
)

// Session is the authenticated principal as seen by the client.
// Token is an opaque bearer token.
type Session struct {
	UserID string
	Token  string
}

// Valid reports whether both fields are populated.
func (s Session) Valid() bool {
	return strings.TrimSpace(s.UserID) != "" && strings.TrimSpace(s.Token) != ""
}

// Load reads the session from st. A missing or blank field yields ErrNotLoggedIn.
func Load(ctx context.Context, st storage.Store) (Session, error) {
	token, err := get(ctx, st, storage.KeyUserToken)
	if err != nil {
		return Session{}, err
	}
	userID, err := get(ctx, st, storage.KeyLoggedInUserID)
	if err != nil {
		return Session{}, err
	}

	s := Session{UserID: userID, Token: token}
	if !s.Valid() {
		return Session{}, ErrNotLoggedIn
	}
	return s, nil
}

// Save persists s after a successful login.
func Save(ctx context.Context, st storage.Store, s Session) error {
	s.UserID = strings.TrimSpace(s.UserID)
	s.Token = strings.TrimSpace(s.Token)
	if !s.Valid() {
		return ErrNotLoggedIn
	}
	if err := st.Set(ctx, storage.KeyUserToken, s.Token); err != nil {
		return err
	}
	return st.Set(ctx, storage.KeyLoggedInUserID, s.UserID)
}

// Clear removes the credentials and any pending call hand-off.
func Clear(ctx context.Context, st storage.Store) error {
	if err := st.Remove(ctx, storage.KeyUserToken); err != nil {
		return err
	}
	if err := st.Remove(ctx, storage.KeyLoggedInUserID); err != nil {
		return err
	}
	return storage.ClearCallHandoff(ctx, st)
}

func get(ctx context.Context, st storage.Store, key string) (string, error) {
	v, err := st.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNotLoggedIn
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}
