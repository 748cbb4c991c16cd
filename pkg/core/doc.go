// Package core provides the fundamental types and interfaces for the broadcast package.
//
// This package contains:
//   - Job, Definition, Progress and Recipient models (Job carries GORM annotations)
//   - Store, Resolver, Cursor and Mutator interfaces consumed by the engine
//   - Event types for job monitoring
//   - The error taxonomy: validation, state, and delivery classification
//
// Most users should import the root package github.com/jdziat/durable-broadcast
// instead of this package directly.
package core
