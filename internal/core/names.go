package core

import "strings"

// Canonical normalizes a display name the way Bancho spells it in private
// messages: surrounding whitespace trimmed, inner whitespace replaced with
// underscores. Case is preserved.
func Canonical(name string) string {
	fields := strings.Fields(name)
	return strings.Join(fields, "_")
}

// Fold returns the case-insensitive lookup key for a display name.
func Fold(name string) string {
	return strings.ToLower(Canonical(name))
}
