package identity

import (
	"time"

	"unigate/cmd/identity/ids"
)

// NewCorrelationID returns a ULID used to correlate an optimistic message with its acknowledgment.
func NewCorrelationID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
