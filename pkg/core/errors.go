package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors
var (
	ErrJobNotFound   = errors.New("broadcast: job not found")
	ErrEmptyAudience = errors.New("broadcast: audience segment has no recipients")
	ErrNoJobQueued   = errors.New("broadcast: job is not queued")
	ErrJobNotOwned   = errors.New("broadcast: job not owned by this worker")
)

// ValidationError rejects a malformed job definition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("broadcast: invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidStateError reports an operation the job's current status does not allow.
type InvalidStateError struct {
	JobID  string
	Status JobStatus
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("broadcast: cannot %s job %s in status %q", e.Op, e.JobID, e.Status)
}

// PermanentDeliveryError means the recipient can never be reached again
// (blocked the bot, deleted account, invalid chat). Never retried.
type PermanentDeliveryError struct {
	Code int
	Err  error
}

func (e *PermanentDeliveryError) Error() string {
	return fmt.Sprintf("permanent delivery failure (code %d): %v", e.Code, e.Err)
}

func (e *PermanentDeliveryError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate the recipient is undeliverable.
func Permanent(code int, err error) error {
	return &PermanentDeliveryError{Code: code, Err: err}
}

// TransientDeliveryError is a network or server fault expected to clear on retry.
type TransientDeliveryError struct {
	Err error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *TransientDeliveryError) Unwrap() error {
	return e.Err
}

// Transient wraps an error to indicate it may succeed on retry.
func Transient(err error) error {
	return &TransientDeliveryError{Err: err}
}

// RateLimitError is the provider asking for a mandatory wait. It is a signal,
// not a failure, and does not consume retry budget.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %v: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// RateLimited wraps an error with the provider-mandated delay.
func RateLimited(d time.Duration, err error) error {
	return &RateLimitError{RetryAfter: d, Err: err}
}

// SourceError means the job payload itself cannot be delivered, such as a
// copy source message that no longer exists. It fails the run, not the
// recipient, so nobody is marked undeliverable for it.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("payload source unavailable: %v", e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// SourceUnavailable wraps an error to indicate the payload source is unusable.
func SourceUnavailable(err error) error {
	return &SourceError{Err: err}
}

// DeliveryClass is the policy-relevant classification of a delivery error.
type DeliveryClass int

const (
	ClassNone DeliveryClass = iota
	ClassPermanent
	ClassRateLimited
	ClassTransient
	ClassSource
)

func (c DeliveryClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassPermanent:
		return "permanent"
	case ClassRateLimited:
		return "rate_limited"
	case ClassSource:
		return "source"
	default:
		return "transient"
	}
}

// Classify maps an error onto a DeliveryClass. Unknown errors are transient.
func Classify(err error) DeliveryClass {
	if err == nil {
		return ClassNone
	}
	var src *SourceError
	if errors.As(err, &src) {
		return ClassSource
	}
	var perm *PermanentDeliveryError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	return ClassTransient
}
