package utils

import "strings"

// ToID normalizes a username the way the server does: lowercase letters and
// digits only. Two names refer to the same account iff their IDs are equal.
func ToID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SameUser reports whether two display names resolve to the same account.
func SameUser(a, b string) bool {
	return ToID(a) == ToID(b)
}
