package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"clean string", "Hello World", "Hello World"},
		{"newline", "Hello\nWorld", "Hello World"},
		{"crlf", "Hello\r\nWorld", "Hello World"},
		{"control characters", "Hello\x00\x01\x1FWorld", "Hello World"},
		{"delete character", "Hello\x7FWorld", "Hello World"},
		{"tab", "Hello\tWorld", "Hello World"},
		{"mixed", "Line1\r\nLine2\nLine3\x00\x01\x7F", "Line1 Line2 Line3 "},
		{"only control chars", "\x00\x01\x02\x1F\x7F", " "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeForLog(tt.input))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", Truncate("anything", 0))
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exact", Truncate("exact", 5))
	assert.Equal(t, "abc...", Truncate("abcdef", 3))
	// Runes, not bytes.
	assert.Equal(t, "héllo", Truncate("héllo", 5))
	assert.Equal(t, "hé...", Truncate("héllo!", 2))
}
