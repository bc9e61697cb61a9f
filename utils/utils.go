package utils

import (
	"strings"
	"unicode"
)

// RedactAuthorization redacts sensitive information from authorization values.
func RedactAuthorization(auth string) string {
	for _, scheme := range []string{"Bearer ", "Basic "} {
		if strings.HasPrefix(auth, scheme) && len(auth) > len(scheme)+22 {
			// Display the scheme with a few characters, ellipses, and the last 4 characters
			return auth[:len(scheme)+3] + "..." + auth[len(auth)-4:]
		}
	}
	// Replace each non-whitespace character with '*'
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return r
		}
		return '*'
	}, auth)
}

// Preview returns at most n leading characters of a secret value followed by an ellipsis.
func Preview(value string, n int) string {
	if value == "" {
		return ""
	}
	if n <= 0 {
		return "..."
	}
	if len(value) <= n {
		// Never show a short value in full
		return strings.Repeat("*", len(value))
	}
	return value[:n] + "..."
}
