package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	p := DefaultPolicy()
	p.AllowedOrigins = []string{"https://example.com", "https://*.example.com"}
	p.AllowMissingOrigin = true
	return p
}

func newTestGateway(t *testing.T, p Policy, opts ...Option) *Gateway {
	t.Helper()
	g, err := New(p, opts...)
	require.NoError(t, err)
	return g
}

func conn(ip string) *Connection {
	return &Connection{RemoteIP: ip, Origin: "https://example.com", UserAgent: "test-agent"}
}

func authConn(ip, userID string) *Connection {
	c := conn(ip)
	c.UserID = userID
	c.Username = "viewer-" + userID
	c.Role = "viewer"
	return c
}

func TestGateway_RejectsInvalidPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.MaxPayloadBytes = 0
	_, err := New(p)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestGateway_ConnectionRateLimit(t *testing.T) {
	p := testPolicy()
	p.ConnectionLimit = WindowLimit{Max: 5, WindowSec: 60}
	g := newTestGateway(t, p)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		dec := g.ValidateConnection(ctx, conn("1.2.3.4"), nil)
		assert.True(t, dec.Allowed, "connection %d should be admitted", i+1)
	}

	dec := g.ValidateConnection(ctx, conn("1.2.3.4"), nil)
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventRateLimitExceeded, dec.EventType)
	assert.Equal(t, SeverityMedium, dec.Severity)

	logs := g.AuditLogsByCriteria(AuditCriteria{EventType: EventRateLimitExceeded, IP: "1.2.3.4"})
	require.NotEmpty(t, logs)
	assert.Equal(t, SeverityMedium, logs[0].Severity)
}

func TestGateway_BlocklistRejectsWithoutConsumingWindow(t *testing.T) {
	p := testPolicy()
	p.ConnectionLimit = WindowLimit{Max: 1, WindowSec: 60}
	g := newTestGateway(t, p)
	ctx := context.Background()

	g.BlockIP("9.9.9.9", "abusive source")

	dec := g.ValidateConnection(ctx, conn("9.9.9.9"), nil)
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventBlockedAttempt, dec.EventType)
	assert.Equal(t, "IP in blocklist", dec.Reason)
	assert.Equal(t, SeverityCritical, dec.Severity)

	// The blocked attempt must not occupy the single window slot.
	g.UnblockIP("9.9.9.9")
	dec = g.ValidateConnection(ctx, conn("9.9.9.9"), nil)
	assert.True(t, dec.Allowed)
}

func TestGateway_UnblockThenWindowExpiry(t *testing.T) {
	p := testPolicy()
	p.ConnectionLimit = WindowLimit{Max: 1, WindowSec: 60}
	g := newTestGateway(t, p)
	ctx := context.Background()

	store := g.store.(*MemoryStore)
	base := time.Now()
	store.now = func() time.Time { return base }

	require.True(t, g.ValidateConnection(ctx, conn("1.2.3.4"), nil).Allowed)
	g.BlockIP("1.2.3.4", "abuse")
	require.False(t, g.ValidateConnection(ctx, conn("1.2.3.4"), nil).Allowed)

	g.UnblockIP("1.2.3.4")

	// Still inside the original window: the earlier accepted connection
	// holds the only slot.
	assert.False(t, g.ValidateConnection(ctx, conn("1.2.3.4"), nil).Allowed)

	store.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, g.ValidateConnection(ctx, conn("1.2.3.4"), nil).Allowed)
}

func TestGateway_InvalidOrigin(t *testing.T) {
	p := testPolicy()
	p.AllowMissingOrigin = false
	g := newTestGateway(t, p)
	ctx := context.Background()

	c := conn("1.2.3.4")
	c.Origin = "https://evil.net"
	dec := g.ValidateConnection(ctx, c, nil)
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventInvalidOrigin, dec.EventType)
	assert.Equal(t, SeverityHigh, dec.Severity)

	logs := g.AuditLogsByCriteria(AuditCriteria{EventType: EventInvalidOrigin})
	require.Len(t, logs, 1)
	assert.Equal(t, "https://evil.net", logs[0].Metadata["origin"])

	sub := conn("1.2.3.4")
	sub.Origin = "https://watch.example.com"
	assert.True(t, g.ValidateConnection(ctx, sub, nil).Allowed)
}

func TestGateway_AnonymousCap(t *testing.T) {
	p := testPolicy()
	p.MaxAnonymous = 2
	p.ConnectionLimit = WindowLimit{Max: 100, WindowSec: 60}
	g := newTestGateway(t, p)
	ctx := context.Background()

	assert.True(t, g.ValidateConnection(ctx, conn("1.1.1.1"), nil).Allowed)
	assert.True(t, g.ValidateConnection(ctx, conn("1.1.1.2"), nil).Allowed)

	dec := g.ValidateConnection(ctx, conn("1.1.1.3"), nil)
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventAnonymousLimit, dec.EventType)

	// Authenticated connections are exempt from the anonymous cap.
	assert.True(t, g.ValidateConnection(ctx, authConn("1.1.1.4", "u1"), nil).Allowed)
}

func TestGateway_AnonymousDisallowed(t *testing.T) {
	p := testPolicy()
	p.AllowAnonymous = false
	g := newTestGateway(t, p)
	ctx := context.Background()

	dec := g.ValidateConnection(ctx, conn("1.2.3.4"), nil)
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventAuthFailure, dec.EventType)

	assert.True(t, g.ValidateConnection(ctx, authConn("1.2.3.4", "u1"), nil).Allowed)
}

func TestGateway_EventAllowList(t *testing.T) {
	g := newTestGateway(t, testPolicy())
	ctx := context.Background()

	c := conn("1.2.3.4")
	require.True(t, g.ValidateConnection(ctx, c, nil).Allowed)

	dec := g.ValidateEvent(ctx, c, "admin:shutdown", []byte(`{}`))
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventUnknownEventType, dec.EventType)

	// Unknown event names count toward suspicion.
	assert.Greater(t, g.reputationManager().Suspicion("1.2.3.4"), 0)
}

func TestGateway_EventRequiresAuth(t *testing.T) {
	g := newTestGateway(t, testPolicy())
	ctx := context.Background()

	c := conn("1.2.3.4")
	require.True(t, g.ValidateConnection(ctx, c, nil).Allowed)

	dec := g.ValidateEvent(ctx, c, "chat:message", []byte(`{"message":"hi"}`))
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventAuthFailure, dec.EventType)

	a := authConn("1.2.3.5", "u1")
	require.True(t, g.ValidateConnection(ctx, a, nil).Allowed)
	assert.True(t, g.ValidateEvent(ctx, a, "chat:message", []byte(`{"message":"hi"}`)).Allowed)
}

func TestGateway_EventRateLimit(t *testing.T) {
	p := testPolicy()
	p.EventLimit = WindowLimit{Max: 2, WindowSec: 60}
	g := newTestGateway(t, p)
	ctx := context.Background()

	c := conn("1.2.3.4")
	require.True(t, g.ValidateConnection(ctx, c, nil).Allowed)

	assert.True(t, g.ValidateEvent(ctx, c, "ping", nil).Allowed)
	assert.True(t, g.ValidateEvent(ctx, c, "ping", nil).Allowed)

	dec := g.ValidateEvent(ctx, c, "ping", nil)
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventRateLimitExceeded, dec.EventType)
}

func TestGateway_PerEventRule(t *testing.T) {
	p := testPolicy()
	p.Events["reaction:send"] = EventRule{Rate: &WindowLimit{Max: 1, WindowSec: 60}}
	g := newTestGateway(t, p)
	ctx := context.Background()

	c := conn("1.2.3.4")
	require.True(t, g.ValidateConnection(ctx, c, nil).Allowed)

	assert.True(t, g.ValidateEvent(ctx, c, "reaction:send", []byte(`{"kind":"clap"}`)).Allowed)
	dec := g.ValidateEvent(ctx, c, "reaction:send", []byte(`{"kind":"clap"}`))
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventRateLimitExceeded, dec.EventType)

	// The generic event budget is untouched by the per-event rule.
	assert.True(t, g.ValidateEvent(ctx, c, "ping", nil).Allowed)
}

func TestGateway_PayloadTooLarge(t *testing.T) {
	p := testPolicy()
	p.MaxPayloadBytes = 64
	g := newTestGateway(t, p)
	ctx := context.Background()

	c := conn("1.2.3.4")
	require.True(t, g.ValidateConnection(ctx, c, nil).Allowed)

	big := append([]byte(`{"pad":"`), bytes.Repeat([]byte("x"), 100)...)
	big = append(big, []byte(`"}`)...)
	dec := g.ValidateEvent(ctx, c, "ping", big)
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventPayloadTooLarge, dec.EventType)

	logs := g.AuditLogsByCriteria(AuditCriteria{EventType: EventPayloadTooLarge})
	require.Len(t, logs, 1)
	assert.Equal(t, len(big), logs[0].Metadata["payloadSize"])
}

func TestGateway_ChatSanitization(t *testing.T) {
	g := newTestGateway(t, testPolicy())
	ctx := context.Background()

	a := authConn("1.2.3.4", "u1")
	require.True(t, g.ValidateConnection(ctx, a, nil).Allowed)

	dec := g.ValidateEvent(ctx, a, "chat:message", []byte(`{"message":"<b>hi</b>","room":"main"}`))
	require.True(t, dec.Allowed)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(dec.Payload, &fields))

	var msg string
	require.NoError(t, json.Unmarshal(fields["message"], &msg))
	assert.Equal(t, "bhi/b", msg)

	// Unrelated fields survive the rewrite.
	var room string
	require.NoError(t, json.Unmarshal(fields["room"], &room))
	assert.Equal(t, "main", room)
}

func TestGateway_ChatMessageTooLong(t *testing.T) {
	p := testPolicy()
	p.MaxMessageChars = 5
	g := newTestGateway(t, p)
	ctx := context.Background()

	a := authConn("1.2.3.4", "u1")
	require.True(t, g.ValidateConnection(ctx, a, nil).Allowed)

	dec := g.ValidateEvent(ctx, a, "chat:message", []byte(`{"message":"toolongmessage"}`))
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventMessageTooLong, dec.EventType)
}

func TestGateway_ChatMalformedPayload(t *testing.T) {
	g := newTestGateway(t, testPolicy())
	ctx := context.Background()

	a := authConn("1.2.3.4", "u1")
	require.True(t, g.ValidateConnection(ctx, a, nil).Allowed)

	dec := g.ValidateEvent(ctx, a, "chat:message", []byte(`not json`))
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventMalformedPayload, dec.EventType)
}

func TestGateway_MessageBudgetSeparateFromEvents(t *testing.T) {
	p := testPolicy()
	p.EventLimit = WindowLimit{Max: 100, WindowSec: 60}
	p.MessageLimit = WindowLimit{Max: 1, WindowSec: 60}
	g := newTestGateway(t, p)
	ctx := context.Background()

	a := authConn("1.2.3.4", "u1")
	require.True(t, g.ValidateConnection(ctx, a, nil).Allowed)

	assert.True(t, g.ValidateMessage(ctx, a))
	assert.False(t, g.ValidateMessage(ctx, a))

	// The generic event budget still has room.
	assert.True(t, g.ValidateEvent(ctx, a, "ping", nil).Allowed)

	logs := g.AuditLogsByCriteria(AuditCriteria{EventType: EventRateLimitExceeded})
	require.NotEmpty(t, logs)
	assert.Equal(t, "message", logs[len(logs)-1].Metadata["scope"])
}

func TestGateway_RateKeyPrefersUserID(t *testing.T) {
	assert.Equal(t, "ip:1.2.3.4", conn("1.2.3.4").RateKey())
	assert.Equal(t, "user:u1", authConn("1.2.3.4", "u1").RateKey())
}

func TestGateway_BlockIPDisconnectsActiveConnections(t *testing.T) {
	g := newTestGateway(t, testPolicy())
	ctx := context.Background()

	var closedReasons []string
	closer := func(reason string) { closedReasons = append(closedReasons, reason) }

	c1 := conn("7.7.7.7")
	c2 := conn("7.7.7.7")
	other := conn("8.8.8.8")
	require.True(t, g.ValidateConnection(ctx, c1, closer).Allowed)
	require.True(t, g.ValidateConnection(ctx, c2, closer).Allowed)
	require.True(t, g.ValidateConnection(ctx, other, closer).Allowed)
	require.Equal(t, 3, g.ActiveConnections())

	g.BlockIP("7.7.7.7", "spamming reactions")

	assert.Len(t, closedReasons, 2)
	assert.Equal(t, 1, g.ActiveConnections())
	assert.True(t, g.IsBlocked("7.7.7.7"))

	logs := g.AuditLogsByCriteria(AuditCriteria{EventType: EventIPBlocked})
	require.Len(t, logs, 1)
	assert.Equal(t, SeverityCritical, logs[0].Severity)
	assert.Equal(t, 2, logs[0].Metadata["disconnected"])
}

func TestGateway_SuspicionAutoBlockDisconnects(t *testing.T) {
	p := testPolicy()
	p.SuspicionStep = 25
	p.SuspicionThreshold = 50
	g := newTestGateway(t, p)
	ctx := context.Background()

	closed := 0
	c := conn("6.6.6.6")
	require.True(t, g.ValidateConnection(ctx, c, func(string) { closed++ }).Allowed)

	g.ReportSuspiciousActivity(c, "probing event names")
	assert.False(t, g.IsBlocked("6.6.6.6"))

	g.ReportSuspiciousActivity(c, "probing event names")
	assert.True(t, g.IsBlocked("6.6.6.6"))
	assert.Equal(t, 1, closed)

	logs := g.AuditLogsByCriteria(AuditCriteria{EventType: EventIPBlocked})
	require.Len(t, logs, 1)
	assert.Equal(t, BlockReasonSuspicion, logs[0].Message)
}

func TestGateway_HandleDisconnectionIdempotent(t *testing.T) {
	g := newTestGateway(t, testPolicy())
	ctx := context.Background()

	c := conn("1.2.3.4")
	require.True(t, g.ValidateConnection(ctx, c, nil).Allowed)
	require.Equal(t, 1, g.ActiveConnections())

	g.HandleDisconnection(c)
	g.HandleDisconnection(c)
	assert.Equal(t, 0, g.ActiveConnections())

	logs := g.AuditLogsByCriteria(AuditCriteria{EventType: EventConnectionClosed})
	assert.Len(t, logs, 1, "repeated disconnects must not re-audit")
}

func TestGateway_MetricsSnapshot(t *testing.T) {
	p := testPolicy()
	p.ConnectionLimit = WindowLimit{Max: 2, WindowSec: 60}
	g := newTestGateway(t, p)
	ctx := context.Background()

	require.True(t, g.ValidateConnection(ctx, conn("1.1.1.1"), nil).Allowed)
	require.True(t, g.ValidateConnection(ctx, authConn("2.2.2.2", "u1"), nil).Allowed)
	for i := 0; i < 3; i++ {
		g.ValidateConnection(ctx, conn("1.1.1.1"), nil)
	}

	snap := g.Metrics()
	assert.Equal(t, 2, snap.ActiveConnections)
	assert.Equal(t, 1, snap.AnonymousConnections)
	assert.Equal(t, 1, snap.AuthenticatedConnections)
	assert.Equal(t, int64(2), snap.TotalConnections)
	assert.Greater(t, snap.BlockedAttempts, int64(0))
	assert.Greater(t, snap.RateLimitViolations, 0)
}

func TestGateway_CleanupDecaysViolations(t *testing.T) {
	p := testPolicy()
	p.ConnectionLimit = WindowLimit{Max: 1, WindowSec: 60}
	p.ViolationDecay = 100
	g := newTestGateway(t, p)
	ctx := context.Background()

	require.True(t, g.ValidateConnection(ctx, conn("1.1.1.1"), nil).Allowed)
	g.ValidateConnection(ctx, conn("1.1.1.1"), nil)
	require.Greater(t, g.Metrics().RateLimitViolations, 0)

	g.Cleanup()
	assert.Equal(t, 0, g.Metrics().RateLimitViolations)
}

func TestGateway_AuditDisabled(t *testing.T) {
	p := testPolicy()
	p.AuditEnabled = false
	g := newTestGateway(t, p)
	ctx := context.Background()

	require.True(t, g.ValidateConnection(ctx, conn("1.2.3.4"), nil).Allowed)
	assert.Empty(t, g.AuditLogs(0))
}

func TestGateway_UpdatePolicy(t *testing.T) {
	g := newTestGateway(t, testPolicy())
	ctx := context.Background()

	origins := []string{"https://new.example.net"}
	missing := false
	maxChars := 10
	err := g.UpdatePolicy(PolicyPatch{
		AllowedOrigins:     &origins,
		AllowMissingOrigin: &missing,
		MaxMessageChars:    &maxChars,
	})
	require.NoError(t, err)

	c := conn("1.2.3.4")
	c.Origin = "https://example.com"
	assert.False(t, g.ValidateConnection(ctx, c, nil).Allowed, "old origin no longer admitted")

	c2 := conn("1.2.3.5")
	c2.Origin = "https://new.example.net"
	assert.True(t, g.ValidateConnection(ctx, c2, nil).Allowed)

	assert.Equal(t, 10, g.Policy().MaxMessageChars)
}

func TestGateway_UpdatePolicyRejectsInvalid(t *testing.T) {
	g := newTestGateway(t, testPolicy())

	bad := -1
	err := g.UpdatePolicy(PolicyPatch{MaxPayloadBytes: &bad})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	assert.Equal(t, testPolicy().MaxPayloadBytes, g.Policy().MaxPayloadBytes, "failed update leaves policy untouched")
}

func TestGateway_UpdatePolicyKeepsSecurityState(t *testing.T) {
	g := newTestGateway(t, testPolicy())
	ctx := context.Background()

	require.True(t, g.ValidateConnection(ctx, conn("1.2.3.4"), nil).Allowed)
	g.BlockIP("9.9.9.9", "abusive source")
	g.ReportSuspiciousActivity(conn("5.5.5.5"), "rapid reconnects")
	before := g.Metrics()
	require.Equal(t, int64(1), before.TotalConnections)
	require.Greater(t, before.SuspiciousActivities, int64(0))

	maxChars := 100
	require.NoError(t, g.UpdatePolicy(PolicyPatch{MaxMessageChars: &maxChars}))

	// An unrelated patch must never amnesty blocks or reset history.
	assert.True(t, g.IsBlocked("9.9.9.9"))
	assert.Greater(t, g.reputationManager().Suspicion("5.5.5.5"), 0)

	after := g.Metrics()
	assert.Equal(t, before.TotalConnections, after.TotalConnections)
	assert.Equal(t, before.SuspiciousActivities, after.SuspiciousActivities)
	assert.Equal(t, before.BlockedAttempts, after.BlockedAttempts)

	dec := g.ValidateConnection(ctx, conn("9.9.9.9"), nil)
	assert.False(t, dec.Allowed)
	assert.Equal(t, EventBlockedAttempt, dec.EventType)
}

func TestGateway_UpdatePolicyKeepsAuditHistory(t *testing.T) {
	g := newTestGateway(t, testPolicy())
	ctx := context.Background()

	require.True(t, g.ValidateConnection(ctx, conn("1.2.3.4"), nil).Allowed)
	require.NotEmpty(t, g.AuditLogs(0))

	maxAudit := 500
	require.NoError(t, g.UpdatePolicy(PolicyPatch{MaxAuditEntries: &maxAudit}))
	assert.NotEmpty(t, g.AuditLogs(0), "audit history survives a capacity change")
}

func TestGateway_UpdatePolicyKeepsWindowStore(t *testing.T) {
	p := testPolicy()
	p.ConnectionLimit = WindowLimit{Max: 2, WindowSec: 60}
	g := newTestGateway(t, p)
	ctx := context.Background()

	require.True(t, g.ValidateConnection(ctx, conn("1.2.3.4"), nil).Allowed)

	limit := WindowLimit{Max: 2, WindowSec: 60}
	require.NoError(t, g.UpdatePolicy(PolicyPatch{ConnectionLimit: &limit}))

	// One slot was consumed before the swap; the window history survives it.
	require.True(t, g.ValidateConnection(ctx, conn("1.2.3.4"), nil).Allowed)
	assert.False(t, g.ValidateConnection(ctx, conn("1.2.3.4"), nil).Allowed)
}

func TestGateway_AuditSinkReceivesEntries(t *testing.T) {
	sink := &recordingSink{}
	g := newTestGateway(t, testPolicy(), WithAuditSink(sink))
	ctx := context.Background()

	require.True(t, g.ValidateConnection(ctx, conn("1.2.3.4"), nil).Allowed)
	require.NotEmpty(t, sink.entries)
	assert.Equal(t, EventConnectionAccepted, sink.entries[0].EventType)
}

func TestGateway_ManyConnectionsDistinctIPs(t *testing.T) {
	p := testPolicy()
	g := newTestGateway(t, p)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		c := conn(fmt.Sprintf("10.0.0.%d", i))
		require.True(t, g.ValidateConnection(ctx, c, nil).Allowed)
	}
	assert.Equal(t, 50, g.ActiveConnections())
}
