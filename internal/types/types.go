package types

import "time"

// Decision is the outcome of one admission check.
// Lives in the shared types package so store, core and api can all
// depend on it without cycles.
type Decision struct {
	Allowed    bool          // whether the request may proceed
	Remaining  int64         // requests left in the current window
	Limit      int64         // configured maximum for the window
	ResetAt    time.Time     // when the current window expires
	RetryAfter time.Duration // suggested wait before retrying; zero when allowed
	Reason     string        // machine-readable decision reason
}

// CounterRecord is a read-only view of a live counter, as returned by
// CounterStore.Peek. A record whose window has elapsed is never returned;
// it is indistinguishable from an absent one.
type CounterRecord struct {
	Count       int64
	WindowStart time.Time
	TTL         time.Duration
}
