// Package inmemorystore provides an ephemeral, thread-safe, in-memory
// implementation of the record.Recorder interface.
//
// # Characteristics
//
//   - **Ephemeral:** Created fresh for each dispatcher invocation, not persistent
//   - **Append-Only:** Records are copied on Append and never modified afterwards
//   - **Snapshot Reads:** Readers receive copies, so they always see a complete prefix
//
// # When to Use
//
// This implementation backs dry runs and tests. Runs that must be resumable
// or audited later use the sqlitestore package instead.
package inmemorystore
