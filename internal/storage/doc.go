// Package storage persists tenant registrations, daily subscriptions and the
// command audit log.
//
// Backends:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "file":   JSON snapshot rewritten atomically + JSON Lines audit log
//   - "memory": the file backend without a path, for tests and dry runs
package storage
