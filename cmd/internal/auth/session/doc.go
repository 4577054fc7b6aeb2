// Package session holds the authenticated user id and bearer token.
//
// The session is loaded once from persisted storage at startup and stays immutable for
// the process lifetime. Logout clears storage and resets the Holder; nothing in the
// runtime may open a realtime connection or call an authenticated endpoint without a
// valid session.
package session
