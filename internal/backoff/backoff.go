// Package backoff computes escalating deny delays from an ordered
// sequence of durations.
package backoff

import "time"

// Next returns the delay for the given zero-based violation attempt,
// capped at the last entry. It returns false when no sequence is
// configured.
//
// The attempt index comes from the store's violation streak, which
// persists across window boundaries until a window completes without
// being exceeded or the key is explicitly reset.
func Next(attempt int64, delays []time.Duration) (time.Duration, bool) {
	if len(delays) == 0 {
		return 0, false
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= int64(len(delays)) {
		return delays[len(delays)-1], true
	}
	return delays[attempt], true
}
