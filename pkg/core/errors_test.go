package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPermanentDeliveryError(t *testing.T) {
	originalErr := errors.New("Forbidden: bot was blocked by the user")
	wrapped := Permanent(403, originalErr)

	var permErr *PermanentDeliveryError
	assert.True(t, errors.As(wrapped, &permErr))
	assert.Equal(t, originalErr, permErr.Unwrap())
	assert.Equal(t, 403, permErr.Code)
	assert.Contains(t, permErr.Error(), "permanent")
	assert.Contains(t, permErr.Error(), "blocked")
}

func TestRateLimitError(t *testing.T) {
	originalErr := errors.New("Too Many Requests")
	wrapped := RateLimited(3*time.Second, originalErr)

	var rlErr *RateLimitError
	assert.True(t, errors.As(wrapped, &rlErr))
	assert.Equal(t, originalErr, rlErr.Unwrap())
	assert.Equal(t, 3*time.Second, rlErr.RetryAfter)
	assert.Contains(t, rlErr.Error(), "3s")
}

func TestTransientDeliveryError(t *testing.T) {
	originalErr := errors.New("connection reset")
	wrapped := Transient(originalErr)

	var trErr *TransientDeliveryError
	assert.True(t, errors.As(wrapped, &trErr))
	assert.Equal(t, originalErr, trErr.Unwrap())
	assert.Contains(t, trErr.Error(), "connection reset")
}

func TestClassify(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, ClassNone, Classify(nil))
	assert.Equal(t, ClassPermanent, Classify(Permanent(400, base)))
	assert.Equal(t, ClassRateLimited, Classify(RateLimited(time.Second, base)))
	assert.Equal(t, ClassTransient, Classify(Transient(base)))
	assert.Equal(t, ClassTransient, Classify(base))
	assert.Equal(t, ClassSource, Classify(SourceUnavailable(base)))

	// Wrapping keeps the class
	assert.Equal(t, ClassPermanent, Classify(fmt.Errorf("send: %w", Permanent(403, base))))
}

func TestDeliveryClass_String(t *testing.T) {
	assert.Equal(t, "none", ClassNone.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "rate_limited", ClassRateLimited.String())
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "source", ClassSource.String())
}

func TestValidationError(t *testing.T) {
	err := Invalid("segment", "unknown descriptor")

	var vErr *ValidationError
	assert.True(t, errors.As(err, &vErr))
	assert.Equal(t, "segment", vErr.Field)
	assert.Contains(t, err.Error(), "invalid segment")
}

func TestInvalidStateError(t *testing.T) {
	err := &InvalidStateError{JobID: "j1", Status: StatusDone, Op: "resume"}
	assert.Contains(t, err.Error(), "resume")
	assert.Contains(t, err.Error(), "j1")
	assert.Contains(t, err.Error(), "done")
}

func TestErrorVariables(t *testing.T) {
	assert.Contains(t, ErrJobNotFound.Error(), "not found")
	assert.Contains(t, ErrEmptyAudience.Error(), "no recipients")
	assert.Contains(t, ErrNoJobQueued.Error(), "not queued")
	assert.Contains(t, ErrJobNotOwned.Error(), "not owned")
}
