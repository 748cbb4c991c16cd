// Package storage provides storage implementations for broadcast job persistence.
//
// This package includes:
//   - GormStorage: a GORM-based core.Store supporting SQLite and PostgreSQL
//   - Open: a DSN-driven constructor that picks the matching GORM driver
//   - Connection pool configuration helpers
//
// Claims are conditional updates checked by rows affected, so two workers can
// never both move the same queued job to running. On PostgreSQL the candidate
// row is additionally selected with FOR UPDATE SKIP LOCKED.
//
// Most users should import the root package github.com/jdziat/durable-broadcast
// which provides NewGormStorage() to create storage instances.
package storage
