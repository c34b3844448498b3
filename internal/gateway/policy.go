package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidPolicy = errors.New("invalid gateway policy")
)

// WindowLimit bounds qualifying events to Max per WindowSec seconds.
type WindowLimit struct {
	Max       int `json:"max"`
	WindowSec int `json:"window_sec"`
}

// Window returns the limit window as a duration.
func (w WindowLimit) Window() time.Duration {
	return time.Duration(w.WindowSec) * time.Second
}

// EventRule describes policy for a single allowed event type. The key set of
// Policy.Events is the event allow-list; everything else is denied.
type EventRule struct {
	RequireAuth bool         `json:"require_auth"`
	Chat        bool         `json:"chat"`
	Rate        *WindowLimit `json:"rate,omitempty"`
}

// AlertThresholds configure the observability-only alert checks.
type AlertThresholds struct {
	MaxActiveConnections int     `json:"max_active_connections"`
	MaxViolations        int     `json:"max_violations"`
	MaxErrorRatio        float64 `json:"max_error_ratio"`
}

// Policy is the runtime-replaceable gateway configuration. It is replaced
// wholesale through Gateway.UpdatePolicy, never patched in place.
type Policy struct {
	AllowedOrigins     []string `json:"allowed_origins"`
	AllowMissingOrigin bool     `json:"allow_missing_origin"`

	AllowAnonymous bool `json:"allow_anonymous"`
	MaxAnonymous   int  `json:"max_anonymous"`

	ConnectionLimit WindowLimit `json:"connection_limit"`
	EventLimit      WindowLimit `json:"event_limit"`
	MessageLimit    WindowLimit `json:"message_limit"`

	Events map[string]EventRule `json:"events"`

	MaxPayloadBytes int `json:"max_payload_bytes"`
	MaxMessageChars int `json:"max_message_chars"`

	AuditEnabled    bool `json:"audit_enabled"`
	MaxAuditEntries int  `json:"max_audit_entries"`

	SuspicionStep      int `json:"suspicion_step"`
	SuspicionThreshold int `json:"suspicion_threshold"`
	SuspicionDecay     int `json:"suspicion_decay"`

	// ViolationDecay is the fixed step the metrics violation counters
	// shrink by per cleanup tick, independent of suspicion decay.
	ViolationDecay int `json:"violation_decay"`

	RecordRetentionSec int `json:"record_retention_sec"`

	Alerts AlertThresholds `json:"alerts"`
}

// RecordRetention returns how long idle reputation records are kept.
func (p Policy) RecordRetention() time.Duration {
	return time.Duration(p.RecordRetentionSec) * time.Second
}

// DefaultPolicy returns the shipped policy for a single live-event channel.
func DefaultPolicy() Policy {
	return Policy{
		AllowedOrigins:     []string{},
		AllowMissingOrigin: false,
		AllowAnonymous:     true,
		MaxAnonymous:       500,
		ConnectionLimit:    WindowLimit{Max: 10, WindowSec: 60},
		EventLimit:         WindowLimit{Max: 60, WindowSec: 60},
		MessageLimit:       WindowLimit{Max: 20, WindowSec: 60},
		Events: map[string]EventRule{
			"ping":           {},
			"session:info":   {},
			"reaction:send":  {Rate: &WindowLimit{Max: 30, WindowSec: 60}},
			"chat:message":   {RequireAuth: true, Chat: true},
			"chat:typing":    {RequireAuth: true, Rate: &WindowLimit{Max: 15, WindowSec: 60}},
			"control:report": {RequireAuth: true, Rate: &WindowLimit{Max: 5, WindowSec: 300}},
		},
		MaxPayloadBytes:    1 << 20, // 1 MB
		MaxMessageChars:    500,
		AuditEnabled:       true,
		MaxAuditEntries:    1000,
		SuspicionStep:      10,
		SuspicionThreshold: 50,
		SuspicionDecay:     5,
		ViolationDecay:     5,
		RecordRetentionSec: 3600,
		Alerts: AlertThresholds{
			MaxActiveConnections: 5000,
			MaxViolations:        100,
			MaxErrorRatio:        0.5,
		},
	}
}

// Validate rejects policies the gateway cannot run with. A broken policy is
// an initialization error, never a per-request one.
func (p Policy) Validate() error {
	for _, o := range p.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			return fmt.Errorf("%w: empty origin entry", ErrInvalidPolicy)
		}
		if strings.Contains(o, "*") && !strings.Contains(o, "://*.") {
			return fmt.Errorf("%w: wildcard origin %q must take the form scheme://*.domain", ErrInvalidPolicy, o)
		}
	}
	for name, limit := range map[string]WindowLimit{
		"connection_limit": p.ConnectionLimit,
		"event_limit":      p.EventLimit,
		"message_limit":    p.MessageLimit,
	} {
		if limit.Max <= 0 || limit.WindowSec <= 0 {
			return fmt.Errorf("%w: %s must have positive max and window", ErrInvalidPolicy, name)
		}
	}
	for name, rule := range p.Events {
		if name == "" {
			return fmt.Errorf("%w: empty event name in allow-list", ErrInvalidPolicy)
		}
		if rule.Rate != nil && (rule.Rate.Max <= 0 || rule.Rate.WindowSec <= 0) {
			return fmt.Errorf("%w: event %q rate must have positive max and window", ErrInvalidPolicy, name)
		}
	}
	if p.MaxAnonymous < 0 {
		return fmt.Errorf("%w: max_anonymous cannot be negative", ErrInvalidPolicy)
	}
	if p.MaxPayloadBytes <= 0 {
		return fmt.Errorf("%w: max_payload_bytes must be positive", ErrInvalidPolicy)
	}
	if p.MaxMessageChars <= 0 {
		return fmt.Errorf("%w: max_message_chars must be positive", ErrInvalidPolicy)
	}
	if p.MaxAuditEntries < 2 {
		return fmt.Errorf("%w: max_audit_entries must be at least 2", ErrInvalidPolicy)
	}
	if p.SuspicionStep <= 0 || p.SuspicionThreshold <= 0 || p.SuspicionDecay < 0 {
		return fmt.Errorf("%w: suspicion settings must be positive", ErrInvalidPolicy)
	}
	if p.ViolationDecay < 0 {
		return fmt.Errorf("%w: violation_decay cannot be negative", ErrInvalidPolicy)
	}
	if p.RecordRetentionSec <= 0 {
		return fmt.Errorf("%w: record_retention_sec must be positive", ErrInvalidPolicy)
	}
	if p.Alerts.MaxErrorRatio < 0 || p.Alerts.MaxErrorRatio > 1 {
		return fmt.Errorf("%w: max_error_ratio must be within [0,1]", ErrInvalidPolicy)
	}
	return nil
}

// PolicyPatch carries a partial policy update. Nil fields keep the current
// value; set fields replace it entirely (lists and maps are not merged
// element-wise).
type PolicyPatch struct {
	AllowedOrigins     *[]string `json:"allowed_origins,omitempty"`
	AllowMissingOrigin *bool     `json:"allow_missing_origin,omitempty"`

	AllowAnonymous *bool `json:"allow_anonymous,omitempty"`
	MaxAnonymous   *int  `json:"max_anonymous,omitempty"`

	ConnectionLimit *WindowLimit `json:"connection_limit,omitempty"`
	EventLimit      *WindowLimit `json:"event_limit,omitempty"`
	MessageLimit    *WindowLimit `json:"message_limit,omitempty"`

	Events *map[string]EventRule `json:"events,omitempty"`

	MaxPayloadBytes *int `json:"max_payload_bytes,omitempty"`
	MaxMessageChars *int `json:"max_message_chars,omitempty"`

	AuditEnabled    *bool `json:"audit_enabled,omitempty"`
	MaxAuditEntries *int  `json:"max_audit_entries,omitempty"`

	SuspicionStep      *int `json:"suspicion_step,omitempty"`
	SuspicionThreshold *int `json:"suspicion_threshold,omitempty"`
	SuspicionDecay     *int `json:"suspicion_decay,omitempty"`
	ViolationDecay     *int `json:"violation_decay,omitempty"`

	RecordRetentionSec *int `json:"record_retention_sec,omitempty"`

	Alerts *AlertThresholds `json:"alerts,omitempty"`
}

// Merge applies patch onto a copy of p and returns the result.
func (p Policy) Merge(patch PolicyPatch) Policy {
	out := p
	out.AllowedOrigins = append([]string(nil), p.AllowedOrigins...)
	out.Events = make(map[string]EventRule, len(p.Events))
	for k, v := range p.Events {
		out.Events[k] = v
	}

	if patch.AllowedOrigins != nil {
		out.AllowedOrigins = append([]string(nil), (*patch.AllowedOrigins)...)
	}
	if patch.AllowMissingOrigin != nil {
		out.AllowMissingOrigin = *patch.AllowMissingOrigin
	}
	if patch.AllowAnonymous != nil {
		out.AllowAnonymous = *patch.AllowAnonymous
	}
	if patch.MaxAnonymous != nil {
		out.MaxAnonymous = *patch.MaxAnonymous
	}
	if patch.ConnectionLimit != nil {
		out.ConnectionLimit = *patch.ConnectionLimit
	}
	if patch.EventLimit != nil {
		out.EventLimit = *patch.EventLimit
	}
	if patch.MessageLimit != nil {
		out.MessageLimit = *patch.MessageLimit
	}
	if patch.Events != nil {
		out.Events = make(map[string]EventRule, len(*patch.Events))
		for k, v := range *patch.Events {
			out.Events[k] = v
		}
	}
	if patch.MaxPayloadBytes != nil {
		out.MaxPayloadBytes = *patch.MaxPayloadBytes
	}
	if patch.MaxMessageChars != nil {
		out.MaxMessageChars = *patch.MaxMessageChars
	}
	if patch.AuditEnabled != nil {
		out.AuditEnabled = *patch.AuditEnabled
	}
	if patch.MaxAuditEntries != nil {
		out.MaxAuditEntries = *patch.MaxAuditEntries
	}
	if patch.SuspicionStep != nil {
		out.SuspicionStep = *patch.SuspicionStep
	}
	if patch.SuspicionThreshold != nil {
		out.SuspicionThreshold = *patch.SuspicionThreshold
	}
	if patch.SuspicionDecay != nil {
		out.SuspicionDecay = *patch.SuspicionDecay
	}
	if patch.ViolationDecay != nil {
		out.ViolationDecay = *patch.ViolationDecay
	}
	if patch.RecordRetentionSec != nil {
		out.RecordRetentionSec = *patch.RecordRetentionSec
	}
	if patch.Alerts != nil {
		out.Alerts = *patch.Alerts
	}
	return out
}

// originsChanged reports whether the patch touches origin policy.
func (patch PolicyPatch) originsChanged() bool {
	return patch.AllowedOrigins != nil || patch.AllowMissingOrigin != nil
}
