package queue

import (
	"time"
)

// Backoff returns the delay before attempt n+1 becomes eligible, given n
// completed attempts (1-indexed): base * 2^(n-1), capped at max.
// Attempt numbers below 1 return base.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return base
	}

	// 2^30 seconds already dwarfs any sane cap; shift-guard against overflow.
	if attempt-1 > 30 {
		return max
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max > 0 && delay > max {
		return max
	}
	return delay
}
