package ir

import "strings"

// NormalizeIdentifier folds unquoted identifiers to lower-case and
// preserves quoted ones exactly as written.
func NormalizeIdentifier(name string, quoted bool) string {
	if quoted {
		return name
	}
	return strings.ToLower(name)
}
