package remote_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/jarmo-productory/ritemark-sync/remote"
)

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "Meeting notes", "Meeting notes"},
		{"control characters", "a\x00b\x1fc\nd", "abcd"},
		{"path hazards", `../../etc/passwd`, "etcpasswd"},
		{"windows hazards", `x:y*z?"<>|\`, "xyz"},
		{"unicode kept", "Résumé 日本語 ✓", "Résumé 日本語 ✓"},
		{"empty", "   ", "Untitled"},
		{"only hazards", "///", "Untitled"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.expected, remote.SanitizeName(test.input))
		})
	}
}

func TestSanitizeNameCapsLength(t *testing.T) {
	t.Parallel()

	got := remote.SanitizeName(strings.Repeat("é", 400))
	assert.Equal(t, 255, utf8.RuneCountInString(got))
}

func TestQuoteQuery(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `'settings.json'`, remote.QuoteQuery("settings.json"))
	assert.Equal(t, `'it\'s \\ here'`, remote.QuoteQuery(`it's \ here`))
}
