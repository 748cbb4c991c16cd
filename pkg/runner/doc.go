// Package runner executes a claimed broadcast job.
//
// A run pulls recipients from the job's audience cursor in batches, delivers
// each batch through a bounded sliding window and commits outcomes one
// recipient at a time in cursor order. The persisted cursor therefore never
// skips an uncommitted recipient, and a restarted run resumes right after
// the last committed one.
package runner
