package core

import "time"

// EvaluateTiers returns every threshold tier that current has reached and
// that is not yet claimed, in ascending tier order. Thresholds are judged
// independently: a single large jump crosses every intermediate tier and
// all of them are returned, not just the highest.
//
// The function is pure; callers pass snapshots and apply results themselves.
func EvaluateTiers(current float64, thresholds []Threshold, claimed map[int]struct{}) []int {
	var crossed []int
	for _, th := range thresholds {
		if current < th.Required {
			// Thresholds are sorted by required value; nothing further
			// can be crossed.
			break
		}
		if _, ok := claimed[th.Tier]; ok {
			continue
		}
		crossed = append(crossed, th.Tier)
	}
	return crossed
}

// WatermarkInverse maps a lower-is-better duration (best reaction time,
// fastest lap) onto the uniform higher-is-better scale every Progress
// record uses. Shorter durations produce strictly larger scores, so the
// max-merge rule keeps only the best attempt.
func WatermarkInverse(d time.Duration) float64 {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return 1e9 / float64(ms)
}
