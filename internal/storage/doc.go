// Package storage persists tales and their execution logs.
//
// Drivers:
//   - "file": tales snapshot (JSON) plus an append-only log journal (JSON Lines)
//   - "sqlite": single database file, safe to share between the daemon and the CLI
//   - "postgres": pgx connection pool, for hosts that already run a database
//
// Every driver keeps last_run_at monotonic and writes the execution log entry
// together with the last-run update.
package storage
