package gateway

import (
	"time"
)

// Severity classifies how serious an audit entry is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Audit event types recorded for gateway decisions.
const (
	EventConnectionAccepted = "CONNECTION_ACCEPTED"
	EventConnectionClosed   = "CONNECTION_CLOSED"
	EventBlockedAttempt     = "BLOCKED_CONNECTION_ATTEMPT"
	EventRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	EventInvalidOrigin      = "INVALID_ORIGIN"
	EventAnonymousLimit     = "ANONYMOUS_LIMIT_REACHED"
	EventUnknownEventType   = "UNKNOWN_EVENT_TYPE"
	EventAuthFailure        = "AUTHENTICATION_FAILURE"
	EventPayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	EventMessageTooLong     = "MESSAGE_TOO_LONG"
	EventMalformedPayload   = "MALFORMED_PAYLOAD"
	EventSuspiciousActivity = "SUSPICIOUS_ACTIVITY"
	EventIPBlocked          = "IP_BLOCKED"
	EventIPUnblocked        = "IP_UNBLOCKED"
	EventHandlerFault       = "HANDLER_FAULT"
)

// Connection describes one persistent client connection. Identity fields are
// filled from the externally verified session token; the gateway never
// verifies credentials itself.
type Connection struct {
	ID          string    `json:"id"`
	RemoteIP    string    `json:"remote_ip"`
	Origin      string    `json:"origin"`
	UserAgent   string    `json:"user_agent"`
	UserID      string    `json:"user_id,omitempty"`
	Username    string    `json:"username,omitempty"`
	Role        string    `json:"role"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Authenticated reports whether a verified identity is attached.
func (c *Connection) Authenticated() bool {
	return c.UserID != ""
}

// RateKey returns the rate-limit key for event and message budgets:
// the user id when authenticated, otherwise the remote IP.
func (c *Connection) RateKey() string {
	if c.UserID != "" {
		return "user:" + c.UserID
	}
	return "ip:" + c.RemoteIP
}

// CloseFunc force-closes a tracked connection with a terse reason.
type CloseFunc func(reason string)

// Decision is the outcome of a connection-level check.
type Decision struct {
	Allowed   bool     `json:"allowed"`
	Reason    string   `json:"reason,omitempty"`
	EventType string   `json:"event_type,omitempty"`
	Severity  Severity `json:"severity,omitempty"`
}

// EventDecision is the outcome of an event-level check. Payload carries the
// forwarded payload, which may differ from the submitted one after
// sanitization; callers must use it instead of the original bytes.
type EventDecision struct {
	Decision
	Payload []byte `json:"-"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func reject(eventType, reason string, severity Severity) Decision {
	return Decision{Allowed: false, Reason: reason, EventType: eventType, Severity: severity}
}
