// Package metrics tracks admission statistics per identity.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KanavDutta/costgate/pkg/costgate"
)

// Metrics implements costgate.MetricsRecorder
type Metrics struct {
	admissions atomic.Int64
	tokens     atomic.Int64
	succeeded  atomic.Int64
	throttled  atomic.Int64
	failed     atomic.Int64
	cancelled  atomic.Int64

	// Per-identity stats
	mu            sync.RWMutex
	identityStats map[string]*IdentityStats
	startTime     time.Time
	topN          int
}

// Ensure Metrics implements costgate.MetricsRecorder
var _ costgate.MetricsRecorder = (*Metrics)(nil)

// IdentityStats tracks statistics for one identity fingerprint
type IdentityStats struct {
	Identity       string        `json:"identity"`
	Admissions     int64         `json:"admissions"`
	TokensAdmitted int64         `json:"tokens_admitted"`
	TotalWait      time.Duration `json:"total_wait_ns"`
	MaxWait        time.Duration `json:"max_wait_ns"`
	Succeeded      int64         `json:"succeeded"`
	Throttled      int64         `json:"throttled"`
	Failed         int64         `json:"failed"`
	Cancelled      int64         `json:"cancelled"`
	FirstSeenAt    time.Time     `json:"first_seen_at"`
	LastSeenAt     time.Time     `json:"last_seen_at"`
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		identityStats: make(map[string]*IdentityStats),
		startTime:     time.Now(),
		topN:          10,
	}
}

// RecordAdmission records a cost admitted after waiting
func (m *Metrics) RecordAdmission(identity string, cost int, waited time.Duration) {
	m.admissions.Add(1)
	m.tokens.Add(int64(cost))

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsLocked(identity)
	stats.Admissions++
	stats.TokensAdmitted += int64(cost)
	stats.TotalWait += waited
	if waited > stats.MaxWait {
		stats.MaxWait = waited
	}
}

// RecordAttempt records how an attempt ended
func (m *Metrics) RecordAttempt(identity string, result costgate.AttemptResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsLocked(identity)
	switch result {
	case costgate.AttemptSucceeded:
		m.succeeded.Add(1)
		stats.Succeeded++
	case costgate.AttemptThrottled:
		m.throttled.Add(1)
		stats.Throttled++
	case costgate.AttemptFailed:
		m.failed.Add(1)
		stats.Failed++
	case costgate.AttemptCancelled:
		m.cancelled.Add(1)
		stats.Cancelled++
	}
}

// MUST be called with m.mu locked.
func (m *Metrics) statsLocked(identity string) *IdentityStats {
	now := time.Now()
	stats, exists := m.identityStats[identity]
	if !exists {
		stats = &IdentityStats{
			Identity:    identity,
			FirstSeenAt: now,
		}
		m.identityStats[identity] = stats
	}
	stats.LastSeenAt = now
	return stats
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	top := make([]*IdentityStats, 0, len(m.identityStats))
	for _, stats := range m.identityStats {
		copied := *stats
		top = append(top, &copied)
	}

	// Busiest identities first
	sort.Slice(top, func(i, j int) bool {
		if top[i].TokensAdmitted != top[j].TokensAdmitted {
			return top[i].TokensAdmitted > top[j].TokensAdmitted
		}
		return top[i].Identity < top[j].Identity
	})
	if len(top) > m.topN {
		top = top[:m.topN]
	}

	return &Snapshot{
		Admissions:     m.admissions.Load(),
		TokensAdmitted: m.tokens.Load(),
		Succeeded:      m.succeeded.Load(),
		Throttled:      m.throttled.Load(),
		Failed:         m.failed.Load(),
		Cancelled:      m.cancelled.Load(),
		Identities:     int64(len(m.identityStats)),
		TopIdentities:  top,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		StartTime:      m.startTime,
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	Admissions     int64            `json:"admissions"`
	TokensAdmitted int64            `json:"tokens_admitted"`
	Succeeded      int64            `json:"succeeded"`
	Throttled      int64            `json:"throttled"`
	Failed         int64            `json:"failed"`
	Cancelled      int64            `json:"cancelled"`
	Identities     int64            `json:"identities"`
	TopIdentities  []*IdentityStats `json:"top_identities"`
	UptimeSeconds  int64            `json:"uptime_seconds"`
	StartTime      time.Time        `json:"start_time"`
}
