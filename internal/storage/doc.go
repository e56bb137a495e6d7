// Package storage persists tasks, reminders and profiles.
//
// All drivers implement the same transactional contract: Update runs a
// function against a Tx and either commits every write it made or none.
// Drivers:
//   - "memory": process-local maps (tests, ephemeral runs)
//   - "file": memory + append-only journal and periodic snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, WAL)
//   - "bolt": bbolt key/value file
//   - "postgres": PostgreSQL via lib/pq
package storage
