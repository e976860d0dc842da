// ABOUTME: Exponential backoff scheduling for failed sync operations.
// ABOUTME: Delays grow strictly per retry up to a cap, with bounded jitter.
package offline

import (
	"math/rand"
	"time"
)

// backoffDelay computes the wait before retry number retryCount (1-based).
// The schedule is base, base*2, base*4, ... capped, then jittered by up to
// ±policy.Jitter. Jitter never pushes a later retry below an earlier one's
// un-jittered floor because the multiplier doubles while jitter stays bounded.
func backoffDelay(policy RetryPolicy, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	base := policy.BackoffBase
	if base <= 0 {
		base = DefaultRetryPolicy().BackoffBase
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if policy.BackoffCap > 0 && delay >= policy.BackoffCap {
			delay = policy.BackoffCap
			break
		}
	}
	if policy.BackoffCap > 0 && delay > policy.BackoffCap {
		delay = policy.BackoffCap
	}
	if policy.Jitter > 0 {
		span := float64(delay) * policy.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * span)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
