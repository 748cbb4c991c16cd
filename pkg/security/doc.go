// Package security provides validation, sanitization, and limits for the broadcast package.
//
// This package includes:
//   - Validation of segment descriptors and job payloads
//   - Error message sanitization before errors are persisted on a job
//   - Clamping functions for retries, concurrency, batch size and listing limits
//
// Most users should import the root package github.com/jdziat/durable-broadcast
// which re-exports these functions.
package security
