package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) JobStarted()                                       {}
func (n *NoopSink) JobFinished(status string, duration time.Duration) {}
func (n *NoopSink) JobsInFlightIncr()                                 {}
func (n *NoopSink) JobsInFlightDecr()                                 {}
func (n *NoopSink) RecipientResolved(outcome string, attempts int)    {}
func (n *NoopSink) RateLimitWait(wait time.Duration)                  {}
func (n *NoopSink) ClaimError()                                       {}
func (n *NoopSink) StaleLocksReleased(count int64)                    {}
