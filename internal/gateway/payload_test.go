package gateway

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPayloadValidator_EventAllowList(t *testing.T) {
	v := NewPayloadValidator(DefaultPolicy())

	assert.True(t, v.ValidateEventType("ping"))
	assert.True(t, v.ValidateEventType("chat:message"))
	assert.False(t, v.ValidateEventType("admin:shutdown"))
	assert.False(t, v.ValidateEventType(""))
}

func TestPayloadValidator_AuthAndChatClassification(t *testing.T) {
	v := NewPayloadValidator(DefaultPolicy())

	assert.True(t, v.RequiresAuthentication("chat:message"))
	assert.False(t, v.RequiresAuthentication("ping"))
	assert.True(t, v.IsChatEvent("chat:message"))
	assert.False(t, v.IsChatEvent("chat:typing"))
	assert.False(t, v.IsChatEvent("nonexistent"))
}

func TestPayloadValidator_Rule(t *testing.T) {
	v := NewPayloadValidator(DefaultPolicy())

	rule := v.Rule("reaction:send")
	assert.NotNil(t, rule)
	assert.Equal(t, 30, rule.Max)
	assert.Nil(t, v.Rule("ping"))
	assert.Nil(t, v.Rule("nonexistent"))
}

func TestPayloadValidator_PayloadSize(t *testing.T) {
	p := DefaultPolicy()
	p.MaxPayloadBytes = 16
	v := NewPayloadValidator(p)

	assert.True(t, v.ValidatePayloadSize(bytes.Repeat([]byte("x"), 16)))
	assert.False(t, v.ValidatePayloadSize(bytes.Repeat([]byte("x"), 17)))
	assert.True(t, v.ValidatePayloadSize(nil))
}

func TestPayloadValidator_MessageLength_CountsRunes(t *testing.T) {
	p := DefaultPolicy()
	p.MaxMessageChars = 5
	v := NewPayloadValidator(p)

	assert.True(t, v.ValidateMessageLength("héllo"))
	assert.True(t, v.ValidateMessageLength("ありがとう"))
	assert.False(t, v.ValidateMessageLength("hello!"))
}

func TestPayloadValidator_SanitizeMessage(t *testing.T) {
	v := NewPayloadValidator(DefaultPolicy())

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean text kept", "hello world", "hello world"},
		{"script tags stripped", "<script>alert(1)</script>", "scriptalert(1)/script"},
		{"quotes stripped", `he said "alert('x')" onmouseover='y'`, "he said alert(x) onmouseover=y"},
		{"backtick and backslash stripped", "a`b\\c", "abc"},
		{"control characters dropped", "a\x00b\x07c", "abc"},
		{"newline and tab kept", "a\nb\tc", "a\nb\tc"},
		{"delete char dropped", "a\x7fb", "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.SanitizeMessage(tt.input))
		})
	}
}

func TestPayloadValidator_SanitizeMessage_Idempotent(t *testing.T) {
	v := NewPayloadValidator(DefaultPolicy())

	inputs := []string{
		"plain",
		"<b>bold</b>",
		"mixed `code` \\ and <tags>" + strings.Repeat("\x01", 3),
	}
	for _, in := range inputs {
		once := v.SanitizeMessage(in)
		assert.Equal(t, once, v.SanitizeMessage(once))
	}
}
