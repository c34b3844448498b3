package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/livegate/livegate/backend/internal/logger"
)

// BlockReasonSuspicion is the reason recorded when accumulated suspicion
// crosses the configured threshold.
const BlockReasonSuspicion = "suspicion threshold exceeded"

// maxSweepPerTick bounds the work done by a single Cleanup pass so a large
// tracked-source set cannot stall a tick. Map iteration order is randomized,
// so successive passes cover the whole set.
const maxSweepPerTick = 1024

// ReputationMetrics are cumulative counters that survive Cleanup.
type ReputationMetrics struct {
	BlockedAttempts      int64 `json:"blocked_attempts"`
	SuspiciousActivities int64 `json:"suspicious_activities"`
}

// reputationRecord is the per-source trust state. Records are created lazily
// on first sighting and decayed, never zeroed, by Cleanup.
type reputationRecord struct {
	userAgent   string
	suspicion   int
	blocked     bool
	blockReason string
	firstSeen   time.Time
	lastSeen    time.Time
}

// ReputationManager tracks per-source sliding-window activity, suspicion
// scores, and block status. Forced disconnection of active connections is
// the gateway's job; the manager only flips state.
type ReputationManager struct {
	mu      sync.Mutex
	policy  Policy
	store   WindowStore
	records map[string]*reputationRecord

	blockedAttempts      int64
	suspiciousActivities int64

	now func() time.Time
}

// NewReputationManager creates a manager over the given window store. The
// store may be shared across components and survives policy rebuilds.
func NewReputationManager(p Policy, store WindowStore) *ReputationManager {
	return &ReputationManager{
		policy:  p,
		store:   store,
		records: make(map[string]*reputationRecord),
		now:     time.Now,
	}
}

// SetPolicy swaps the active limits. Records, block state, and the
// cumulative counters carry over; a policy change must never amnesty a
// blocked source or reset history.
func (r *ReputationManager) SetPolicy(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// TrackConnection lazily creates the record for ip and notes the attempt.
func (r *ReputationManager) TrackConnection(ip, userAgent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(ip)
	rec.userAgent = userAgent
	rec.lastSeen = r.now()
}

// record returns the entry for key, creating it on first sighting.
// Caller holds r.mu.
func (r *ReputationManager) record(key string) *reputationRecord {
	rec, ok := r.records[key]
	if !ok {
		now := r.now()
		rec = &reputationRecord{firstSeen: now, lastSeen: now}
		r.records[key] = rec
	}
	return rec
}

// allow runs one atomic check-then-increment against the window store.
// Store failures fail closed: the gateway degrades by rejecting traffic,
// never by waving it through.
func (r *ReputationManager) allow(ctx context.Context, key string, limit WindowLimit) bool {
	ok, err := r.store.Allow(ctx, key, limit.Max, limit.Window())
	if err != nil {
		logger.WithComponent("reputation").WithError(err).Warn("window store unavailable, failing closed")
		return false
	}
	return ok
}

// CheckConnectionLimit consumes one connection-window slot for ip. The
// first-ever sighting always passes.
func (r *ReputationManager) CheckConnectionLimit(ctx context.Context, ip string) bool {
	return r.allow(ctx, "conn:"+ip, r.limit(func(p Policy) WindowLimit { return p.ConnectionLimit }))
}

// CheckEventLimit consumes one event-window slot for key.
func (r *ReputationManager) CheckEventLimit(ctx context.Context, key string) bool {
	return r.allow(ctx, "event:"+key, r.limit(func(p Policy) WindowLimit { return p.EventLimit }))
}

// CheckMessageLimit consumes one message-window slot for key. Chat cadence
// typically has a tighter budget than generic events.
func (r *ReputationManager) CheckMessageLimit(ctx context.Context, key string) bool {
	return r.allow(ctx, "msg:"+key, r.limit(func(p Policy) WindowLimit { return p.MessageLimit }))
}

// CheckEventRule consumes one slot of a per-event custom rate rule.
func (r *ReputationManager) CheckEventRule(ctx context.Context, key, event string, rule WindowLimit) bool {
	return r.allow(ctx, "rule:"+event+":"+key, rule)
}

func (r *ReputationManager) limit(pick func(Policy) WindowLimit) WindowLimit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return pick(r.policy)
}

// ReportSuspiciousActivity adds the configured step to the source's
// suspicion score. Crossing the threshold auto-transitions the source to
// blocked; the return value tells the caller the block was just applied so
// it can force-disconnect active connections.
func (r *ReputationManager) ReportSuspiciousActivity(ip string) (blockedNow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.suspiciousActivities++
	rec := r.record(ip)
	rec.suspicion += r.policy.SuspicionStep
	rec.lastSeen = r.now()
	if !rec.blocked && rec.suspicion >= r.policy.SuspicionThreshold {
		rec.blocked = true
		rec.blockReason = BlockReasonSuspicion
		return true
	}
	return false
}

// BlockIP marks ip as blocked with an explicit reason.
func (r *ReputationManager) BlockIP(ip, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.record(ip)
	rec.blocked = true
	rec.blockReason = reason
	rec.lastSeen = r.now()
}

// UnblockIP clears the block flag for ip. The suspicion score stays; a
// freshly unblocked source is not a trusted one.
func (r *ReputationManager) UnblockIP(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[ip]; ok {
		rec.blocked = false
		rec.blockReason = ""
	}
}

// IsBlocked reports the block status of ip.
func (r *ReputationManager) IsBlocked(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[ip]
	return ok && rec.blocked
}

// BlockReason returns the recorded reason when ip is blocked.
func (r *ReputationManager) BlockReason(ip string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[ip]
	if !ok || !rec.blocked {
		return "", false
	}
	return rec.blockReason, true
}

// RecordBlockedAttempt bumps the cumulative blocked-attempt counter and
// touches the record so retention keeps hot offenders around.
func (r *ReputationManager) RecordBlockedAttempt(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blockedAttempts++
	if rec, ok := r.records[ip]; ok {
		rec.lastSeen = r.now()
	}
}

// Cleanup decays suspicion toward zero and expires idle records past the
// retention horizon. Work is bounded per tick; cumulative counters are
// untouched. Returns the number of expired records.
func (r *ReputationManager) Cleanup() int {
	r.mu.Lock()

	now := r.now()
	retention := r.policy.RecordRetention()
	decay := r.policy.SuspicionDecay

	visited, removed := 0, 0
	for key, rec := range r.records {
		if visited >= maxSweepPerTick {
			break
		}
		visited++

		rec.suspicion -= decay
		if rec.suspicion < 0 {
			rec.suspicion = 0
		}
		if !rec.blocked && rec.suspicion == 0 && now.Sub(rec.lastSeen) > retention {
			delete(r.records, key)
			removed++
		}
	}
	r.mu.Unlock()

	if sweeper, ok := r.store.(Sweeper); ok {
		sweeper.Sweep(maxSweepPerTick)
	}
	return removed
}

// Metrics returns the cumulative counters. Cleanup never resets these.
func (r *ReputationManager) Metrics() ReputationMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReputationMetrics{
		BlockedAttempts:      r.blockedAttempts,
		SuspiciousActivities: r.suspiciousActivities,
	}
}

// TrackedSources returns how many sources currently have records.
func (r *ReputationManager) TrackedSources() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Suspicion returns the current suspicion score for ip.
func (r *ReputationManager) Suspicion(ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[ip]; ok {
		return rec.suspicion
	}
	return 0
}
