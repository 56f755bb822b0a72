package remote

import (
	"strings"
	"unicode"
)

const (
	maxNameRunes = 255
	untitled     = "Untitled"
)

// SanitizeName makes a user-supplied name safe for remote metadata: control
// characters and path-hazard characters are removed, surrounding whitespace
// trimmed and the result capped at 255 runes.
func SanitizeName(name string) string {
	var builder strings.Builder

	for _, r := range name {
		switch {
		case unicode.IsControl(r):
			continue
		case strings.ContainsRune(`/\:*?"<>|`, r):
			continue
		case r == unicode.ReplacementChar:
			continue
		}

		builder.WriteRune(r)
	}

	cleaned := strings.TrimSpace(builder.String())
	cleaned = strings.Trim(cleaned, ".")

	if runes := []rune(cleaned); len(runes) > maxNameRunes {
		cleaned = strings.TrimSpace(string(runes[:maxNameRunes]))
	}

	if cleaned == "" {
		return untitled
	}

	return cleaned
}

// QuoteQuery renders s as a single-quoted query string literal.
func QuoteQuery(s string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)

	return "'" + escaped + "'"
}
