// Package store provides persistence for conversations, message logs and
// user profiles.
//
// # Architecture
//
// Two interfaces split the surface:
//
//   - Store: conversations and their ordered message logs
//   - ProfileStore: user profiles used to enrich conversation views
//
// Backend combines both. Three implementations ship:
//
//   - SQLiteStore: modernc.org/sqlite, the default for deployments
//   - BadgerStore: embedded key-value store with prefix-ordered keys
//   - MemoryStore: process-local maps for tests and demos
//
// Open selects one by driver name.
//
// # Data Models
//
//   - Conversation: two sorted participants, last message, per-user unread counters
//   - Message: immutable log entry with a store-assigned Seq
//   - User: profile record (display name, photo, email)
//
// # Ordering
//
// Every backend assigns Seq = LastSeq+1 inside the same atomic step that
// writes the message and updates the conversation summary. Timestamps are
// clamped so they never decrease along Seq. Membership listings are ordered
// by UpdatedAt, newest first, and are maintained on write rather than sorted
// on read.
//
// # SQLite Configuration
//
// Pragmas are passed in the DSN so every pooled connection gets them:
//
//	busy_timeout(5000), foreign_keys(1), journal_mode(WAL), _txlock=immediate
//
// Use NewSQLiteStore(":memory:", nil) for throwaway databases.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//
// All methods accept context.Context for cancellation support.
package store
