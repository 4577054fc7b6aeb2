package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"unigate/cmd/identity/ids"
)

// NewEnvelopeID returns a ULID used as envelope id. Acks reference it via reply_to.
// If ULID generation fails it falls back to random hex so emits never stall on ids.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err == nil {
		return id
	}
	b := make([]byte, 13)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
