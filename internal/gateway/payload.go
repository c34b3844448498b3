package gateway

import (
	"strings"
	"unicode/utf8"
)

// PayloadValidator enforces the event allow-list, payload and message size
// caps, and chat-content sanitization.
type PayloadValidator struct {
	events          map[string]EventRule
	maxPayloadBytes int
	maxMessageChars int
}

// NewPayloadValidator builds a validator from the active policy.
func NewPayloadValidator(p Policy) *PayloadValidator {
	events := make(map[string]EventRule, len(p.Events))
	for name, rule := range p.Events {
		events[name] = rule
	}
	return &PayloadValidator{
		events:          events,
		maxPayloadBytes: p.MaxPayloadBytes,
		maxMessageChars: p.MaxMessageChars,
	}
}

// ValidateEventType is a default-deny allow-list lookup.
func (v *PayloadValidator) ValidateEventType(name string) bool {
	_, ok := v.events[name]
	return ok
}

// RequiresAuthentication reports whether the event needs a verified identity.
func (v *PayloadValidator) RequiresAuthentication(name string) bool {
	return v.events[name].RequireAuth
}

// IsChatEvent reports whether the event payload carries human-readable chat
// text subject to length checks and sanitization.
func (v *PayloadValidator) IsChatEvent(name string) bool {
	return v.events[name].Chat
}

// Rule returns the per-event rate rule, if the policy configured one.
func (v *PayloadValidator) Rule(name string) *WindowLimit {
	return v.events[name].Rate
}

// ValidatePayloadSize checks the measured byte length against the cap.
func (v *PayloadValidator) ValidatePayloadSize(data []byte) bool {
	return len(data) <= v.maxPayloadBytes
}

// ValidateMessageLength checks the character count of human-readable text.
func (v *PayloadValidator) ValidateMessageLength(content string) bool {
	return utf8.RuneCountInString(content) <= v.maxMessageChars
}

var messageSanitizer = strings.NewReplacer(
	"<", "",
	">", "",
	"\"", "",
	"'", "",
	"`", "",
	"\\", "",
)

// SanitizeMessage neutralizes injection-risk characters in chat text by
// removing them, which keeps the transform idempotent:
// SanitizeMessage(SanitizeMessage(x)) == SanitizeMessage(x).
func (v *PayloadValidator) SanitizeMessage(content string) string {
	content = messageSanitizer.Replace(content)
	var b strings.Builder
	b.Grow(len(content))
	for _, r := range content {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		if r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
