// Package stores persists compile history for axiom in SQLite.
//
// The store keeps three append-mostly tables, created by embedded
// golang-migrate migrations:
//
//   - compile_runs: one row per surface compile pass with its outcome
//   - error_entries: the engine error log, mirrored through
//     engine.ErrorSink; cleared entries keep their row with cleared_at set
//   - events: telemetry events recorded through EventRecorder
//
// File databases run in WAL mode. ":memory:" opens a private in-memory
// database on a single connection, which is what the tests use.
package stores
