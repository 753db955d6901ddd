// Package storage persists recurrences.
//
// Drivers:
//   - memory: process-local maps, nothing survives a restart
//   - file: the memory store plus a JSON snapshot and an append-only journal
//   - sqlite: a SQLite database file (modernc.org/sqlite, no cgo)
//   - postgres: a PostgreSQL database reached through Config.DSN
//
// All drivers implement recurrence.Store and share its guarantees: schedule
// writes never move Next backwards, and sub-record creation is idempotent.
package storage
