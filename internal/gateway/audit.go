package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livegate/livegate/backend/internal/logger"
)

// AuditEntry is one security-relevant decision in the bounded audit log.
type AuditEntry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    string         `json:"event_type"`
	IP           string         `json:"ip"`
	ConnectionID string         `json:"connection_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	EventName    string         `json:"event_name,omitempty"`
	Message      string         `json:"message"`
	Severity     Severity       `json:"severity"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AuditSink receives every appended entry, e.g. a database mirror or an
// event stream. Sink failures are logged and never surface into the
// validation path.
type AuditSink interface {
	Write(entry AuditEntry) error
}

// AuditCriteria filter Query results. Zero values match everything.
type AuditCriteria struct {
	EventType string    `json:"event_type,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Severity  Severity  `json:"severity,omitempty"`
	Since     time.Time `json:"since,omitempty"`
}

// AuditLog is an append-only, capacity-capped, queryable record of gateway
// decisions. When capacity is exceeded it batch-trims the oldest entries
// down to half of max rather than evicting one at a time.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	max     int
	sinks   []AuditSink
	now     func() time.Time
}

// NewAuditLog creates an audit log holding at most max entries.
func NewAuditLog(max int, sinks ...AuditSink) *AuditLog {
	return &AuditLog{
		entries: make([]AuditEntry, 0, max),
		max:     max,
		sinks:   sinks,
		now:     time.Now,
	}
}

// Append assigns id and timestamp, stores the entry, and fans it out to the
// configured sinks. Returns the stored entry.
func (l *AuditLog) Append(entry AuditEntry) AuditEntry {
	l.mu.Lock()
	entry.ID = uuid.NewString()
	entry.Timestamp = l.now()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		target := l.max / 2
		trimmed := make([]AuditEntry, target, l.max)
		copy(trimmed, l.entries[len(l.entries)-target:])
		l.entries = trimmed
	}
	sinks := l.sinks
	l.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Write(entry); err != nil {
			logger.WithComponent("audit").WithError(err).Warn("audit sink write failed")
		}
	}
	return entry
}

// Resize adjusts the capacity, keeping the newest entries when the new
// max is smaller than the current count.
func (l *AuditLog) Resize(max int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.max = max
	if len(l.entries) > max {
		trimmed := make([]AuditEntry, max)
		copy(trimmed, l.entries[len(l.entries)-max:])
		l.entries = trimmed
	}
}

// Recent returns the newest limit entries in insertion order. limit <= 0
// returns everything.
func (l *AuditLog) Recent(limit int) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]AuditEntry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Query filters entries by criteria, preserving insertion order.
func (l *AuditLog) Query(c AuditCriteria) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []AuditEntry
	for _, e := range l.entries {
		if c.EventType != "" && e.EventType != c.EventType {
			continue
		}
		if c.IP != "" && e.IP != c.IP {
			continue
		}
		if c.UserID != "" && e.UserID != c.UserID {
			continue
		}
		if c.Severity != "" && e.Severity != c.Severity {
			continue
		}
		if !c.Since.IsZero() && e.Timestamp.Before(c.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the current entry count.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
