package session

import "sync"

// Holder is the process-wide session handle passed to every component that needs
// credentials. It is constructed once per authenticated session.
type Holder struct {
	mu  sync.RWMutex
	cur Session
}

// NewHolder returns a Holder carrying s (which may be the zero Session).
func NewHolder(s Session) *Holder {
	return &Holder{cur: s}
}

// Current returns the held session.
func (h *Holder) Current() Session {
	if h == nil {
		return Session{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur
}

// UserID is shorthand for Current().UserID.
func (h *Holder) UserID() string { return h.Current().UserID }

// Token is shorthand for Current().Token.
func (h *Holder) Token() string { return h.Current().Token }

// LoggedIn reports whether the held session is valid.
func (h *Holder) LoggedIn() bool { return h.Current().Valid() }

// Set installs s. The session is immutable once set: installing a different valid
// session requires Reset first.
func (h *Holder) Set(s Session) error {
	if !s.Valid() {
		return ErrNotLoggedIn
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cur.Valid() && h.cur != s {
		return ErrAlreadySet
	}
	h.cur = s
	return nil
}

// Reset clears the held session (logout).
func (h *Holder) Reset() {
	h.mu.Lock()
	h.cur = Session{}
	h.mu.Unlock()
}
