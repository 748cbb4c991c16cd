package core

import (
	"context"
	"io"
	"time"
)

// Store defines the persistence layer for broadcast jobs. It is the single
// source of truth for job progress.
type Store interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Definition
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]*Job, error)

	// Administrative transitions
	SetStatus(ctx context.Context, jobID string, status JobStatus, fields map[string]any) error
	Transition(ctx context.Context, jobID string, from []JobStatus, to JobStatus, fields map[string]any) error

	// Claiming
	ClaimNext(ctx context.Context, workerID string) (*Job, error)
	Claim(ctx context.Context, jobID string, owner string) (*Job, error)

	// Progress. Only the owner of a claim may write it; any other caller
	// gets ErrJobNotOwned.
	IncrementProgress(ctx context.Context, jobID string, owner string, delta Progress, cursor int64) error

	// Terminal transitions. MarkDone and MarkFailed settle a run and require
	// the caller to own it; MarkCanceled is administrative.
	MarkDone(ctx context.Context, jobID string, owner string) error
	MarkFailed(ctx context.Context, jobID string, owner string, errMsg string) error
	MarkCanceled(ctx context.Context, jobID string) error

	// Locking
	Heartbeat(ctx context.Context, jobID string, workerID string) error
	ReleaseClaim(ctx context.Context, jobID string, owner string) error
	ReleaseStaleLocks(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// Resolver turns a segment descriptor into an audience.
type Resolver interface {
	// Count returns the current audience size.
	Count(ctx context.Context, segment string) (int64, error)
	// Open returns a forward-only cursor over recipients with Key > after.
	Open(ctx context.Context, segment string, after int64) (Cursor, error)
}

// Cursor yields recipients in strictly increasing Key order.
// Next returns io.EOF once the audience is exhausted.
type Cursor interface {
	Next(ctx context.Context) (Recipient, error)
	io.Closer
}

// Mutator flags recipients that can no longer be reached.
type Mutator interface {
	MarkUndeliverable(ctx context.Context, r Recipient) error
}
