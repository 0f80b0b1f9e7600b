// Package queue provides the durable, priority-ordered outbound sync queue.
package queue

import "time"

// RetryPolicy maps an attempt count to the delay before the next attempt.
// Delays grow exponentially from BaseDelay and are capped at MaxDelay, so
// backoff is monotonically non-decreasing.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultRetryPolicy returns the policy used for transient submission
// failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  30 * time.Second,
		MaxDelay:   time.Hour,
		MaxRetries: 5,
	}
}

// Delay returns the backoff delay after the given attempt (1-based):
// min(BaseDelay * 2^(attempt-1), MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether an item with the given attempt count has used
// up its retry budget and must be parked as terminally failed.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxRetries
}

// RejectionRetries returns the reduced retry budget for payloads the
// remote rejected as structurally invalid. Retrying those rarely helps,
// so they surface for operator attention sooner.
func (p RetryPolicy) RejectionRetries() int {
	if p.MaxRetries < 2 {
		return p.MaxRetries
	}
	return 2
}
