package transfer

import "time"

// DefaultMaxBackoffSecs is MAX_BACKOFF_SECS (spec.md §6).
const DefaultMaxBackoffSecs = 3600

// Backoff computes the delay before the next retry of a chunk or session,
// per spec.md §4.6: min(2^(attempts-1), MAX_BACKOFF_SECS) seconds.
// attempts <= 0 returns zero delay.
func Backoff(attempts int, maxBackoffSecs int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	if maxBackoffSecs <= 0 {
		maxBackoffSecs = DefaultMaxBackoffSecs
	}
	secs := 1 << uint(attempts-1)
	if attempts > 20 || secs > maxBackoffSecs { // guard against overflow on large attempts
		secs = maxBackoffSecs
	}
	if secs > maxBackoffSecs {
		secs = maxBackoffSecs
	}
	return time.Duration(secs) * time.Second
}
