package core

import "time"

// Event is the interface for all broadcast events.
type Event interface {
	eventMarker()
}

// JobCreated is emitted when a job definition is stored.
type JobCreated struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobCreated) eventMarker() {}

// JobStarted is emitted when a job is claimed and its run begins.
type JobStarted struct {
	Job       *Job
	Owner     string
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobCompleted is emitted when a job's audience is exhausted.
type JobCompleted struct {
	Job       *Job
	Progress  Progress
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobFailed is emitted when a run is aborted.
type JobFailed struct {
	Job       *Job
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// JobCanceled is emitted when a run observes a cancel request, or when a
// job that was not running is canceled.
type JobCanceled struct {
	Job       *Job
	Progress  Progress
	Timestamp time.Time
}

func (*JobCanceled) eventMarker() {}

// JobRequeued is emitted when a job goes back to queued (confirm, resume,
// shutdown hand-off or stale-lock release).
type JobRequeued struct {
	JobID     string
	Reason    string
	Timestamp time.Time
}

func (*JobRequeued) eventMarker() {}

// RecipientUndeliverable is emitted when a recipient fails permanently.
type RecipientUndeliverable struct {
	JobID     string
	Recipient Recipient
	Error     error
	Timestamp time.Time
}

func (*RecipientUndeliverable) eventMarker() {}
