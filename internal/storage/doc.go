// Package storage persists run history: one record per finished (or paused)
// batch run with a summary of every item.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "file": append-only JSON Lines, replayed into memory on open
//   - "none" or "": disabled, Open returns a nil Store
package storage
