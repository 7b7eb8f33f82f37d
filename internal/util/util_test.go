package util

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		maxLen        int
		preserveWords bool
		expected      string
	}{
		{"fits", "short reply", 20, false, "short reply"},
		{"exact length", "exact", 5, false, "exact"},
		{"hard cut", "Implement a login endpoint in the backend", 20, false, "Implement a login..."},
		{"word cut", "Implement a login endpoint in the backend", 22, true, "Implement a login..."},
		{"no space to cut at", "abcdefghijklmnopqrstuvwxyz", 10, true, "abcdefg..."},
		{"zero", "anything", 0, false, ""},
		{"shorter than ellipsis", "reply", 2, false, ".."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, TruncateString(tt.input, tt.maxLen, tt.preserveWords))
		})
	}
}

func TestTruncateStringCountsRunes(t *testing.T) {
	in := "réponse très détaillée de l'agent numéro deux"
	out := TruncateString(in, 12, false)
	assert.Equal(t, 12, utf8.RuneCountInString(out))
	assert.True(t, utf8.ValidString(out))
}
