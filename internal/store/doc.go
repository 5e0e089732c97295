// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package is interface driven. Each consumer depends on the
// narrow interface it needs:
//
//   - AgentStore: agents and their direct-message policy
//   - BindingStore: channel-to-agent routing rules
//   - PairingStore: paired devices consulted by the policy gate
//   - CatalogStore: plugin and provider records referenced by tasks
//   - TaskStore: queued work and its lifecycle
//   - DocumentStore: documents awaiting indexing
//   - IdempotencyStore: ledger records for side-effecting commands
//
// SQLiteStore implements all of them in a single struct. MockStore is an
// in-memory implementation for tests.
//
// # Concurrency
//
// Rows mutated by more than one actor use conditional updates rather than
// locks:
//
//   - ClaimTask only moves a task out of pending; a second claimer gets
//     ErrTaskNotPending.
//   - FinishTask only moves a task out of in_progress, so terminal states
//     can never be overwritten.
//   - ReclaimIdempotencyRecord only replaces a record that still matches the
//     version the caller read.
//
// # Timestamps
//
// Timestamps are stored as fixed-width UTC text with microsecond precision so
// that lexical ordering matches chronological ordering.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("./data/gateway.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	tasks, err := s.ListTasks(ctx, 100)
package store
