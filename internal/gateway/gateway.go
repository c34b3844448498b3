package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/livegate/livegate/backend/internal/logger"
	"github.com/livegate/livegate/backend/internal/metrics"
	"github.com/livegate/livegate/backend/internal/util"
)

// activeConn pairs a tracked connection with the hook that force-closes it.
type activeConn struct {
	conn  *Connection
	close CloseFunc
}

// Gateway composes the origin, reputation, payload, and audit components
// and owns the active-connection set. It is constructed explicitly and
// passed by reference into every middleware; there is no package-level
// instance.
type Gateway struct {
	mu         sync.Mutex
	policy     Policy
	origins    *OriginValidator
	reputation *ReputationManager
	payloads   *PayloadValidator
	audit      *AuditLog
	aggregator *MetricsAggregator
	active     map[string]*activeConn
	store      WindowStore
	sinks      []AuditSink
	notifier   AlertNotifier
	log        *logrus.Entry
	now        func() time.Time
}

// Option configures optional gateway collaborators.
type Option func(*Gateway)

// WithWindowStore substitutes the sliding-window backing store. The default
// is the in-process MemoryStore.
func WithWindowStore(store WindowStore) Option {
	return func(g *Gateway) { g.store = store }
}

// WithAuditSink adds a sink receiving every audit entry.
func WithAuditSink(sink AuditSink) Option {
	return func(g *Gateway) { g.sinks = append(g.sinks, sink) }
}

// WithAlertNotifier routes alert-threshold breaches to an external channel.
func WithAlertNotifier(n AlertNotifier) Option {
	return func(g *Gateway) { g.notifier = n }
}

// New validates the policy and builds a gateway. An invalid policy fails
// here, before any connection is accepted.
func New(policy Policy, opts ...Option) (*Gateway, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("gateway policy: %w", err)
	}

	g := &Gateway{
		policy: policy,
		active: make(map[string]*activeConn),
		log:    logger.WithComponent("gateway"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.store == nil {
		g.store = NewMemoryStore()
	}

	g.origins = NewOriginValidator(policy.AllowedOrigins, policy.AllowMissingOrigin)
	g.reputation = NewReputationManager(policy, g.store)
	g.payloads = NewPayloadValidator(policy)
	g.audit = NewAuditLog(policy.MaxAuditEntries, g.sinks...)
	g.aggregator = NewMetricsAggregator(policy.Alerts, g.notifier)
	return g, nil
}

// ValidateConnection runs the admission sequence for a handshake:
// blocklist, connection rate, origin, anonymous cap. closer is invoked if
// the connection is later force-disconnected; it may be nil.
func (g *Gateway) ValidateConnection(ctx context.Context, conn *Connection, closer CloseFunc) Decision {
	ip := conn.RemoteIP
	rep := g.reputationManager()

	// Blocklist first: a blocked source never consumes a rate-window slot.
	if rep.IsBlocked(ip) {
		rep.RecordBlockedAttempt(ip)
		dec := reject(EventBlockedAttempt, "IP in blocklist", SeverityCritical)
		g.rejectConnection(conn, dec, nil)
		return dec
	}

	rep.TrackConnection(ip, conn.UserAgent)

	if !rep.CheckConnectionLimit(ctx, ip) {
		rep.RecordBlockedAttempt(ip)
		g.metricsAggregator().RecordRateLimitViolation()
		dec := reject(EventRateLimitExceeded, "connection rate limit exceeded", SeverityMedium)
		g.rejectConnection(conn, dec, nil)
		g.reportSuspicion(conn, "connection rate limit exceeded")
		return dec
	}

	if !g.originValidator().IsValid(conn.Origin) {
		rep.RecordBlockedAttempt(ip)
		dec := reject(EventInvalidOrigin, "origin not allowed", SeverityHigh)
		g.rejectConnection(conn, dec, map[string]any{"origin": util.SanitizeForLog(conn.Origin)})
		g.reportSuspicion(conn, "invalid origin")
		return dec
	}

	if !conn.Authenticated() {
		policy := g.Policy()
		if !policy.AllowAnonymous {
			rep.RecordBlockedAttempt(ip)
			dec := reject(EventAuthFailure, "anonymous connections not permitted", SeverityMedium)
			g.rejectConnection(conn, dec, nil)
			return dec
		}
		// Cap check and registration happen under one lock so two racing
		// anonymous handshakes cannot both squeeze under the cap.
		g.mu.Lock()
		if g.anonymousCountLocked() >= policy.MaxAnonymous {
			g.mu.Unlock()
			rep.RecordBlockedAttempt(ip)
			dec := reject(EventAnonymousLimit, "anonymous connection cap reached", SeverityMedium)
			g.rejectConnection(conn, dec, nil)
			return dec
		}
		g.acceptLocked(conn, closer)
		g.mu.Unlock()
	} else {
		g.mu.Lock()
		g.acceptLocked(conn, closer)
		g.mu.Unlock()
	}

	g.metricsAggregator().RecordConnection()
	metrics.IncConnectionAccepted()
	g.record(AuditEntry{
		EventType:    EventConnectionAccepted,
		IP:           ip,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Message:      "connection accepted",
		Severity:     SeverityLow,
	})
	g.recompute()
	return allow()
}

// acceptLocked stamps identity fields and registers the connection.
// Caller holds g.mu.
func (g *Gateway) acceptLocked(conn *Connection, closer CloseFunc) {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = g.now()
	}
	g.active[conn.ID] = &activeConn{conn: conn, close: closer}
}

func (g *Gateway) anonymousCountLocked() int {
	n := 0
	for _, ac := range g.active {
		if !ac.conn.Authenticated() {
			n++
		}
	}
	return n
}

// rejectConnection audits one rejected handshake.
func (g *Gateway) rejectConnection(conn *Connection, dec Decision, metadata map[string]any) {
	metrics.IncConnectionRejected()
	g.record(AuditEntry{
		EventType:    dec.EventType,
		IP:           conn.RemoteIP,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Message:      dec.Reason,
		Severity:     dec.Severity,
		Metadata:     metadata,
	})
	g.recompute()
}

// ValidateEvent runs the inbound-event sequence: rate, allow-list, auth,
// size, chat length plus sanitization. The returned decision carries the
// payload to forward, which differs from the submitted one when chat text
// was sanitized; callers must forward the returned payload.
func (g *Gateway) ValidateEvent(ctx context.Context, conn *Connection, name string, payload []byte) EventDecision {
	key := conn.RateKey()
	rep := g.reputationManager()

	if !rep.CheckEventLimit(ctx, key) {
		g.metricsAggregator().RecordRateLimitViolation()
		return g.rejectEvent(conn, name, reject(EventRateLimitExceeded, "event rate limit exceeded", SeverityMedium), nil)
	}

	validator := g.payloadValidator()
	if rule := validator.Rule(name); rule != nil {
		if !rep.CheckEventRule(ctx, key, name, *rule) {
			g.metricsAggregator().RecordRateLimitViolation()
			return g.rejectEvent(conn, name, reject(EventRateLimitExceeded, "event rate limit exceeded", SeverityMedium), nil)
		}
	}

	if !validator.ValidateEventType(name) {
		// Unknown event names read like policy probing, a stronger signal
		// than plain rate excess.
		dec := g.rejectEvent(conn, name, reject(EventUnknownEventType, "unknown event type", SeverityMedium), nil)
		g.reportSuspicion(conn, "unknown event type: "+util.SanitizeForLog(name))
		return dec
	}

	if validator.RequiresAuthentication(name) && !conn.Authenticated() {
		return g.rejectEvent(conn, name, reject(EventAuthFailure, "authentication required", SeverityMedium), nil)
	}

	if !validator.ValidatePayloadSize(payload) {
		g.metricsAggregator().RecordPayloadViolation()
		return g.rejectEvent(conn, name,
			reject(EventPayloadTooLarge, "payload too large", SeverityMedium),
			map[string]any{"payloadSize": len(payload)})
	}

	if validator.IsChatEvent(name) {
		sanitized, dec, ok := g.sanitizeChatPayload(conn, name, validator, payload)
		if !ok {
			return dec
		}
		payload = sanitized
	}

	return EventDecision{Decision: allow(), Payload: payload}
}

// chatPayload is the chat-text envelope inside a chat event payload.
type chatPayload struct {
	Message string `json:"message"`
}

func (g *Gateway) sanitizeChatPayload(conn *Connection, name string, validator *PayloadValidator, payload []byte) ([]byte, EventDecision, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		g.metricsAggregator().RecordPayloadViolation()
		return nil, g.rejectEvent(conn, name, reject(EventMalformedPayload, "malformed payload", SeverityMedium), nil), false
	}

	var chat chatPayload
	if raw, ok := fields["message"]; ok {
		if err := json.Unmarshal(raw, &chat.Message); err != nil {
			g.metricsAggregator().RecordPayloadViolation()
			return nil, g.rejectEvent(conn, name, reject(EventMalformedPayload, "malformed payload", SeverityMedium), nil), false
		}
	}

	if !validator.ValidateMessageLength(chat.Message) {
		g.metricsAggregator().RecordPayloadViolation()
		return nil, g.rejectEvent(conn, name, reject(EventMessageTooLong, "message too long", SeverityMedium), nil), false
	}

	sanitizedMsg, _ := json.Marshal(validator.SanitizeMessage(chat.Message))
	fields["message"] = sanitizedMsg
	out, err := json.Marshal(fields)
	if err != nil {
		g.metricsAggregator().RecordPayloadViolation()
		return nil, g.rejectEvent(conn, name, reject(EventMalformedPayload, "malformed payload", SeverityMedium), nil), false
	}
	return out, EventDecision{}, true
}

// rejectEvent audits one rejected event and wraps the decision.
func (g *Gateway) rejectEvent(conn *Connection, name string, dec Decision, metadata map[string]any) EventDecision {
	metrics.IncEventRejected()
	g.record(AuditEntry{
		EventType:    dec.EventType,
		IP:           conn.RemoteIP,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		EventName:    name,
		Message:      dec.Reason,
		Severity:     dec.Severity,
		Metadata:     metadata,
	})
	return EventDecision{Decision: dec}
}

// ValidateMessage consumes one slot of the message-send budget, which is
// separate from and usually tighter than the generic event budget.
func (g *Gateway) ValidateMessage(ctx context.Context, conn *Connection) bool {
	if g.reputationManager().CheckMessageLimit(ctx, conn.RateKey()) {
		return true
	}
	g.metricsAggregator().RecordRateLimitViolation()
	metrics.IncEventRejected()
	g.record(AuditEntry{
		EventType:    EventRateLimitExceeded,
		IP:           conn.RemoteIP,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Message:      "message rate limit exceeded",
		Severity:     SeverityMedium,
		Metadata:     map[string]any{"scope": "message"},
	})
	return false
}

// IsChatEvent exposes the chat classification to the transport layer.
func (g *Gateway) IsChatEvent(name string) bool {
	return g.payloadValidator().IsChatEvent(name)
}

// HandleDisconnection removes the connection from the active set exactly
// once; repeated calls for the same id are no-ops.
func (g *Gateway) HandleDisconnection(conn *Connection) {
	g.mu.Lock()
	_, exists := g.active[conn.ID]
	if exists {
		delete(g.active, conn.ID)
	}
	g.mu.Unlock()

	if !exists {
		return
	}
	g.record(AuditEntry{
		EventType:    EventConnectionClosed,
		IP:           conn.RemoteIP,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Message:      "connection closed",
		Severity:     SeverityLow,
	})
	g.recompute()
}

// ReportSuspiciousActivity forwards the report to the reputation manager
// and records a high-severity audit entry. A report that tips the source
// over the suspicion threshold triggers the same forced disconnect as an
// explicit block.
func (g *Gateway) ReportSuspiciousActivity(conn *Connection, reason string) {
	g.record(AuditEntry{
		EventType:    EventSuspiciousActivity,
		IP:           conn.RemoteIP,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Message:      reason,
		Severity:     SeverityHigh,
	})
	g.reportSuspicion(conn, reason)
}

func (g *Gateway) reportSuspicion(conn *Connection, reason string) {
	metrics.IncSuspiciousActivity()
	if g.reputationManager().ReportSuspiciousActivity(conn.RemoteIP) {
		g.onBlocked(conn.RemoteIP, BlockReasonSuspicion)
	}
	g.recompute()
}

// BlockIP delegates the block to the reputation manager, then force-closes
// every active connection from that IP. Only the gateway can do the second
// half; it is the sole owner of the active set.
func (g *Gateway) BlockIP(ip, reason string) {
	g.reputationManager().BlockIP(ip, reason)
	g.onBlocked(ip, reason)
	g.recompute()
}

// onBlocked audits the block and disconnects matching connections.
func (g *Gateway) onBlocked(ip, reason string) {
	metrics.IncIPBlock()

	g.mu.Lock()
	var victims []*activeConn
	for id, ac := range g.active {
		if ac.conn.RemoteIP == ip {
			victims = append(victims, ac)
			delete(g.active, id)
		}
	}
	g.mu.Unlock()

	for _, ac := range victims {
		if ac.close != nil {
			ac.close(reason)
		}
	}

	g.record(AuditEntry{
		EventType: EventIPBlocked,
		IP:        ip,
		Message:   reason,
		Severity:  SeverityCritical,
		Metadata:  map[string]any{"disconnected": len(victims)},
	})
	g.log.WithFields(logrus.Fields{
		"ip":           ip,
		"reason":       reason,
		"disconnected": len(victims),
	}).Warn("IP blocked")
}

// UnblockIP clears the block for ip.
func (g *Gateway) UnblockIP(ip string) {
	g.reputationManager().UnblockIP(ip)
	g.record(AuditEntry{
		EventType: EventIPUnblocked,
		IP:        ip,
		Message:   "IP unblocked",
		Severity:  SeverityLow,
	})
}

// IsBlocked reports the block status of ip.
func (g *Gateway) IsBlocked(ip string) bool {
	return g.reputationManager().IsBlocked(ip)
}

// Cleanup runs one periodic maintenance pass: reputation decay and record
// expiry, violation-counter decay, and the alert check.
func (g *Gateway) Cleanup() {
	removed := g.reputationManager().Cleanup()
	g.metricsAggregator().Decay(g.Policy().ViolationDecay)
	g.recompute()
	g.metricsAggregator().CheckAlerts()
	if removed > 0 {
		g.log.WithField("expired_records", removed).Debug("reputation cleanup")
	}
}

// Metrics recomputes and returns the current snapshot.
func (g *Gateway) Metrics() Snapshot {
	return g.recompute()
}

// AuditLogs returns the newest limit audit entries in insertion order.
func (g *Gateway) AuditLogs(limit int) []AuditEntry {
	return g.auditLog().Recent(limit)
}

// AuditLogsByCriteria returns entries matching the given filters.
func (g *Gateway) AuditLogsByCriteria(c AuditCriteria) []AuditEntry {
	return g.auditLog().Query(c)
}

// ActiveConnections returns the current active-connection count.
func (g *Gateway) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Policy returns the active policy.
func (g *Gateway) Policy() Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

// UpdatePolicy merges the patch into the current policy and swaps the
// result in. Config-derived validators are rebuilt wholesale; security
// state is not config-derived and survives the swap: the window store,
// reputation records and block status, the cumulative counters, and the
// audit history all carry across.
func (g *Gateway) UpdatePolicy(patch PolicyPatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	merged := g.policy.Merge(patch)
	if err := merged.Validate(); err != nil {
		return err
	}

	if patch.originsChanged() {
		g.origins = NewOriginValidator(merged.AllowedOrigins, merged.AllowMissingOrigin)
	}
	g.reputation.SetPolicy(merged)
	g.payloads = NewPayloadValidator(merged)
	if g.policy.MaxAuditEntries != merged.MaxAuditEntries {
		g.audit.Resize(merged.MaxAuditEntries)
	}
	g.aggregator.SetThresholds(merged.Alerts)
	g.policy = merged

	g.log.Info("gateway policy replaced")
	return nil
}

// record appends an audit entry when audit logging is enabled.
func (g *Gateway) record(entry AuditEntry) {
	g.mu.Lock()
	enabled := g.policy.AuditEnabled
	audit := g.audit
	g.mu.Unlock()

	if !enabled {
		return
	}
	audit.Append(entry)
}

// recompute rebuilds the metrics snapshot from the active set and the
// reputation counters.
func (g *Gateway) recompute() Snapshot {
	g.mu.Lock()
	active := len(g.active)
	anonymous := g.anonymousCountLocked()
	aggregator := g.aggregator
	reputation := g.reputation
	g.mu.Unlock()

	return aggregator.Recompute(active, anonymous, active-anonymous, reputation.Metrics())
}

func (g *Gateway) metricsAggregator() *MetricsAggregator {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.aggregator
}

func (g *Gateway) reputationManager() *ReputationManager {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reputation
}

func (g *Gateway) originValidator() *OriginValidator {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.origins
}

func (g *Gateway) payloadValidator() *PayloadValidator {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.payloads
}

func (g *Gateway) auditLog() *AuditLog {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.audit
}
