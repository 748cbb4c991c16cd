// Package queue provides the Queue type for broadcast job administration.
//
// This package includes:
//   - Queue: creates, confirms, cancels and resumes jobs, and runs claimed jobs
//   - Option: configuration for job creation (AsDraft)
//   - QueueOption: logger, metrics, runner and storage retry configuration
//   - Hook registration and event subscription for job lifecycle monitoring
//
// Most users should import the root package github.com/jdziat/durable-broadcast
// which re-exports Queue and its options.
package queue
