package gateway

import (
	"fmt"
	"sync"

	"github.com/livegate/livegate/backend/internal/logger"
	"github.com/livegate/livegate/backend/internal/metrics"
)

// Snapshot is the derived metrics view exposed to observability tooling.
// It is recomputed from the active-connection set and the reputation
// manager's cumulative counters; it is never persisted independently.
type Snapshot struct {
	TotalConnections         int64 `json:"total_connections"`
	ActiveConnections        int   `json:"active_connections"`
	AnonymousConnections     int   `json:"anonymous_connections"`
	AuthenticatedConnections int   `json:"authenticated_connections"`
	BlockedAttempts          int64 `json:"blocked_attempts"`
	SuspiciousActivities     int64 `json:"suspicious_activities"`
	RateLimitViolations      int   `json:"rate_limit_violations"`
	PayloadViolations        int   `json:"payload_violations"`
}

// AlertNotifier delivers alert-threshold breaches to an external channel.
type AlertNotifier interface {
	Notify(title, message string)
}

// MetricsAggregator derives snapshots and evaluates alert thresholds. It
// observes traffic, it never blocks it.
type MetricsAggregator struct {
	mu                  sync.Mutex
	totalConnections    int64
	rateLimitViolations int
	payloadViolations   int
	last                Snapshot
	thresholds          AlertThresholds
	notifier            AlertNotifier
}

// NewMetricsAggregator creates an aggregator with the given thresholds.
// notifier may be nil; alerts then go to the log and counters only.
func NewMetricsAggregator(thresholds AlertThresholds, notifier AlertNotifier) *MetricsAggregator {
	return &MetricsAggregator{thresholds: thresholds, notifier: notifier}
}

// SetThresholds replaces the alert thresholds. The counters are untouched;
// none of the aggregator's state is policy-derived.
func (m *MetricsAggregator) SetThresholds(t AlertThresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = t
}

// RecordConnection bumps the lifetime connection counter.
func (m *MetricsAggregator) RecordConnection() {
	m.mu.Lock()
	m.totalConnections++
	m.mu.Unlock()
}

// RecordRateLimitViolation bumps the local rate-limit violation counter.
func (m *MetricsAggregator) RecordRateLimitViolation() {
	m.mu.Lock()
	m.rateLimitViolations++
	m.mu.Unlock()
}

// RecordPayloadViolation bumps the local payload violation counter.
func (m *MetricsAggregator) RecordPayloadViolation() {
	m.mu.Lock()
	m.payloadViolations++
	m.mu.Unlock()
}

// Recompute rebuilds the snapshot from the live active-set counts plus the
// reputation manager's cumulative counters.
func (m *MetricsAggregator) Recompute(active, anonymous, authenticated int, rep ReputationMetrics) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = Snapshot{
		TotalConnections:         m.totalConnections,
		ActiveConnections:        active,
		AnonymousConnections:     anonymous,
		AuthenticatedConnections: authenticated,
		BlockedAttempts:          rep.BlockedAttempts,
		SuspiciousActivities:     rep.SuspiciousActivities,
		RateLimitViolations:      m.rateLimitViolations,
		PayloadViolations:        m.payloadViolations,
	}
	metrics.SetActiveConnections(active)
	return m.last
}

// Snapshot returns the last recomputed snapshot.
func (m *MetricsAggregator) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Decay lowers the local violation counters by step, floored at zero. The
// counters shrink over quiet periods instead of resetting outright.
func (m *MetricsAggregator) Decay(step int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rateLimitViolations -= step
	if m.rateLimitViolations < 0 {
		m.rateLimitViolations = 0
	}
	m.payloadViolations -= step
	if m.payloadViolations < 0 {
		m.payloadViolations = 0
	}
}

// CheckAlerts compares the last snapshot to the configured thresholds and
// raises observability signals for each breach. It returns the breach
// descriptions and never rejects traffic itself.
func (m *MetricsAggregator) CheckAlerts() []string {
	m.mu.Lock()
	snap := m.last
	thresholds := m.thresholds
	notifier := m.notifier
	m.mu.Unlock()

	var breaches []string
	if thresholds.MaxActiveConnections > 0 && snap.ActiveConnections > thresholds.MaxActiveConnections {
		breaches = append(breaches, fmt.Sprintf("active connections %d above threshold %d",
			snap.ActiveConnections, thresholds.MaxActiveConnections))
	}
	violations := snap.RateLimitViolations + snap.PayloadViolations
	if thresholds.MaxViolations > 0 && violations > thresholds.MaxViolations {
		breaches = append(breaches, fmt.Sprintf("violation count %d above threshold %d",
			violations, thresholds.MaxViolations))
	}
	if thresholds.MaxErrorRatio > 0 && snap.TotalConnections > 0 {
		ratio := float64(snap.BlockedAttempts) / float64(snap.TotalConnections)
		if ratio > thresholds.MaxErrorRatio {
			breaches = append(breaches, fmt.Sprintf("blocked ratio %.2f above threshold %.2f",
				ratio, thresholds.MaxErrorRatio))
		}
	}

	for _, breach := range breaches {
		logger.WithComponent("gateway").Warn("alert threshold breached: " + breach)
		metrics.IncAlert()
		if notifier != nil {
			notifier.Notify("LiveGate alert", breach)
		}
	}
	return breaches
}
