package sync

import (
	"fmt"
	"time"
)

// Thresholds are the operator-tunable limits for health derivation
type Thresholds struct {
	PendingHighWater     int
	FailureRateThreshold float64
	CriticalSLA          time.Duration // oldest critical-priority item past this is critical
	StaleSyncAfter       time.Duration // no successful sync in this long is a warning
}

// HealthInput is everything the evaluator looks at for one store
type HealthInput struct {
	Queue         QueueSummary
	PendingManual int
	LastSuccessAt *time.Time
	Connection    ConnectionState
	FailureRate   float64
}

// StoreHealth is the derived verdict with the reasons that produced it
type StoreHealth struct {
	Level   HealthLevel `json:"level"`
	Reasons []string    `json:"reasons,omitempty"`
}

// Evaluate derives a store's health level from its queue and sync state.
// Pure function; the most severe matching condition wins and every matching
// reason is reported.
func Evaluate(in HealthInput, t Thresholds, now time.Time) StoreHealth {
	level := HealthHealthy
	var reasons []string

	raise := func(l HealthLevel, reason string) {
		reasons = append(reasons, reason)
		if severity(l) > severity(level) {
			level = l
		}
	}

	// Critical: a critical-priority change past its SLA, or retries failing
	// repeatedly.
	if t.CriticalSLA > 0 && in.Queue.OldestCriticalAge > t.CriticalSLA {
		raise(HealthCritical, fmt.Sprintf("critical-priority change waiting %s (SLA %s)",
			in.Queue.OldestCriticalAge.Round(time.Second), t.CriticalSLA))
	}
	if t.FailureRateThreshold > 0 && in.FailureRate > t.FailureRateThreshold {
		raise(HealthCritical, fmt.Sprintf("failure rate %.0f%% over threshold %.0f%%",
			in.FailureRate*100, t.FailureRateThreshold*100))
	}

	// Degraded: backlog past the high water, link down with work piling up,
	// or changes out of retries.
	if in.Connection == StateDisconnected && in.Queue.Pending > 0 {
		raise(HealthDegraded, fmt.Sprintf("disconnected with %d pending changes", in.Queue.Pending))
	}
	if in.Queue.Failed > 0 {
		raise(HealthDegraded, fmt.Sprintf("%d changes exhausted their retries", in.Queue.Failed))
	}
	if t.PendingHighWater > 0 && in.Queue.Pending > int64(t.PendingHighWater) {
		raise(HealthDegraded, fmt.Sprintf("%d pending changes over high water %d",
			in.Queue.Pending, t.PendingHighWater))
	} else if in.Queue.Pending > 0 {
		// Warning: work is waiting but nothing is wrong yet.
		raise(HealthWarning, fmt.Sprintf("%d changes waiting to sync", in.Queue.Pending))
	}

	// Warning: stale sync or conflicts waiting on a human.
	if t.StaleSyncAfter > 0 {
		if in.LastSuccessAt == nil {
			raise(HealthWarning, "no successful sync recorded")
		} else if now.Sub(*in.LastSuccessAt) > t.StaleSyncAfter {
			raise(HealthWarning, fmt.Sprintf("last successful sync %s ago",
				now.Sub(*in.LastSuccessAt).Round(time.Second)))
		}
	}
	if in.PendingManual > 0 {
		raise(HealthWarning, fmt.Sprintf("%d conflicts awaiting manual review", in.PendingManual))
	}
	if in.Queue.RetriedPending > 0 {
		raise(HealthWarning, fmt.Sprintf("%d changes in retry backoff", in.Queue.RetriedPending))
	}

	return StoreHealth{Level: level, Reasons: reasons}
}

// Rollup folds per-store verdicts into the chain-wide level: the worst
// store defines the chain
func Rollup(stores map[string]StoreHealth) HealthLevel {
	level := HealthHealthy
	for _, s := range stores {
		if severity(s.Level) > severity(level) {
			level = s.Level
		}
	}
	return level
}

func severity(l HealthLevel) int {
	switch l {
	case HealthCritical:
		return 3
	case HealthDegraded:
		return 2
	case HealthWarning:
		return 1
	default:
		return 0
	}
}
