// Package chat keeps the message list of an open conversation consistent across
// optimistic sends, server acknowledgments, realtime pushes and history polls.
package chat

import (
	"strconv"
	"time"
)

// Origin tells whether a message is confirmed by the server.
type Origin string

const (
	OriginOptimistic Origin = "optimistic"
	OriginServer     Origin = "server"
)

const optimisticPrefix = "optimistic_"

// displayLayout renders SentAtDisplay.
const displayLayout = "15:04"

// Message is one entry of a conversation list.
type Message struct {
	ID                string
	Text              string
	SenderID          string
	SenderIsLocalUser bool
	Seen              bool
	SentAt            time.Time
	SentAtDisplay     string
	Origin            Origin

	// Set on optimistic messages only.
	ClientTimestamp int64
	ClientMsgID     string

	// Failed marks an optimistic message whose emit was refused or rejected.
	Failed bool
}

// Pending reports whether m still waits for a server confirmation.
func (m Message) Pending() bool { return m.Origin == OriginOptimistic }

func optimisticID(clientTimestamp int64) string {
	return optimisticPrefix + strconv.FormatInt(clientTimestamp, 10)
}

func displayTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(displayLayout)
}
