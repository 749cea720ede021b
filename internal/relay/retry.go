package relay

import "time"

// RetryPolicy decides when ERROR tasks go back to PENDING and when a
// POSTING claim is stale enough to reclaim. Thresholds are injected from
// config so the state machine carries no hardcoded limits.
type RetryPolicy struct {
	// MaxAttempts bounds failed posts per task. A task at or past the
	// bound is SKIPPED instead of retried.
	MaxAttempts int
	// MinInterval is the minimum age of an ERROR row before it is
	// released back to PENDING.
	MinInterval time.Duration
	// StaleAfter is the age past which a POSTING claim is considered
	// abandoned by a crashed worker and reclaimed to PENDING.
	StaleAfter time.Duration
}

// DefaultRetryPolicy mirrors the service defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		MinInterval: 2 * time.Minute,
		StaleAfter:  10 * time.Minute,
	}
}

// Exhausted reports whether a task has used up its attempts.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// RetryCutoff returns the updated_at bound for releasing ERROR rows.
func (p RetryPolicy) RetryCutoff(now time.Time) time.Time {
	return now.Add(-p.MinInterval)
}

// StaleCutoff returns the updated_at bound for reclaiming POSTING rows.
func (p RetryPolicy) StaleCutoff(now time.Time) time.Time {
	return now.Add(-p.StaleAfter)
}
