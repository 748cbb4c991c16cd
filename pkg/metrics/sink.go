// Package metrics records broadcast engine metrics.
package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations must not block or
// propagate errors.
type Sink interface {
	// Job lifecycle
	JobStarted()
	JobFinished(status string, duration time.Duration)
	JobsInFlightIncr()
	JobsInFlightDecr()

	// Per-recipient delivery
	RecipientResolved(outcome string, attempts int)
	RateLimitWait(wait time.Duration)

	// Claim loop
	ClaimError()
	StaleLocksReleased(count int64)
}

// Outcome constants for RecipientResolved.
const (
	OutcomeSent      = "sent"
	OutcomeFailed    = "failed"
	OutcomePermanent = "permanent"
)
