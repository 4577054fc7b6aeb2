package identity

import (
	"strings"
)

const (
	roomPrefix    = "chatroom"
	roomSeparator = "_"
)

// Room is a decoded chat room id: chatroom_<A>_<B>.
// The order of A and B is fixed by whoever created the room and carries no meaning.
type Room struct {
	ID string
	A  string
	B  string
}

// ParseRoom decodes a room id. It is the single validated entry point for room ids.
func ParseRoom(roomID string) (Room, error) {
	raw := strings.TrimSpace(roomID)
	if raw == "" {
		return Room{}, OpError{Op: "identity.ParseRoom", Kind: ErrMalformedRoom, Msg: "empty room id"}
	}

	parts := strings.Split(raw, roomSeparator)
	if len(parts) != 3 {
		return Room{}, OpError{Op: "identity.ParseRoom", Kind: ErrMalformedRoom, Msg: raw}
	}
	if parts[0] != roomPrefix || parts[1] == "" || parts[2] == "" {
		return Room{}, OpError{Op: "identity.ParseRoom", Kind: ErrMalformedRoom, Msg: raw}
	}

	return Room{ID: raw, A: parts[1], B: parts[2]}, nil
}

// Has reports whether userID is one of the participants.
func (r Room) Has(userID string) bool {
	userID = NormalizeUserID(userID)
	return userID != "" && (r.A == userID || r.B == userID)
}

// Other returns the participant that is not localUserID.
func (r Room) Other(localUserID string) (string, error) {
	localUserID = NormalizeUserID(localUserID)
	switch {
	case localUserID == "":
		return "", OpError{Op: "identity.Room.Other", Kind: ErrInvalidInput, Msg: "empty local user id"}
	case r.A == localUserID:
		return r.B, nil
	case r.B == localUserID:
		return r.A, nil
	default:
		return "", OpError{Op: "identity.Room.Other", Kind: ErrNotParticipant, Msg: r.ID}
	}
}

// OtherParticipant parses roomID and returns the participant that is not localUserID.
func OtherParticipant(roomID, localUserID string) (string, error) {
	r, err := ParseRoom(roomID)
	if err != nil {
		return "", err
	}
	return r.Other(localUserID)
}

// RoomFor builds the room id for two participants. Ids are ordered lexicographically so
// both sides derive the same id.
func RoomFor(a, b string) (string, error) {
	a = NormalizeUserID(a)
	b = NormalizeUserID(b)
	if !ValidUserID(a) || !ValidUserID(b) || a == b {
		return "", OpError{Op: "identity.RoomFor", Kind: ErrInvalidInput, Msg: "invalid participants"}
	}
	if b < a {
		a, b = b, a
	}
	return roomPrefix + roomSeparator + a + roomSeparator + b, nil
}
