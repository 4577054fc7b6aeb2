package identity

import "strings"

// NormalizeUserID trims surrounding whitespace. User ids are opaque and case-sensitive.
func NormalizeUserID(s string) string {
	return strings.TrimSpace(s)
}

// ValidUserID reports whether id can be embedded into a room id.
func ValidUserID(id string) bool {
	id = NormalizeUserID(id)
	return id != "" && !strings.Contains(id, roomSeparator)
}
