// Package sqlitestore is the persistent, append-only implementation of
// record.Recorder, backed by a pure Go SQLite database.
//
// The schema only ever receives INSERT statements. A run's history is
// therefore an audit trail: re-running or resuming creates a new run that
// points at the old one instead of rewriting it.
package sqlitestore
