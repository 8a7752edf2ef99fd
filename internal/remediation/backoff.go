package remediation

import (
	"hash/fnv"
	"time"
)

// Backoff is the delay before retrying a run that has failed after
// priorAttempts earlier attempts: base·2^priorAttempts, capped at max.
func Backoff(priorAttempts int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}
	d := base
	for i := 0; i < priorAttempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}

// CanaryBucket places hostID in one of 100 buckets. The assignment is stable
// across calls and processes.
func CanaryBucket(hostID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hostID))
	return int(h.Sum32() % 100)
}

// CanarySelected reports whether a host in bucket takes part in canary checks
// at rolloutPercent.
func CanarySelected(bucket, rolloutPercent int) bool {
	return bucket < rolloutPercent
}
