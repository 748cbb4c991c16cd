// Package worker provides the Worker type that claims and runs broadcast jobs.
//
// This package includes:
//   - Worker: the claim loop, one job at a time per worker
//   - WorkerOption: worker id, poll interval, claim retry and logger options
//   - A cron-scheduled reaper that requeues jobs whose heartbeat went stale
//
// Most users should import the root package github.com/jdziat/durable-broadcast
// which provides access to worker configuration through NewWorker.
package worker
