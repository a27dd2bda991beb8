// Package ledger maintains per-agent, append-only, hash-chained block
// sequences on top of package store.
//
// # Append
//
// Append is optimistic: read the tip, build the next block, insert it. The
// store refuses the insert if another writer already took that index or the
// tip moved, and Append then re-reads the tip and tries again, up to
// MaxAppendAttempts. No in-process lock is held, so any number of processes
// may append to one database concurrently.
//
// An optional TipHint (see package tipcache) skips the first tip read. A stale
// hint costs one conflict and a store read; it can never corrupt a chain
// because the store checks the parent link on insert.
//
// # Verification
//
// Verify recomputes a block hash and compares it to the stored value. A
// mismatch is a HashMismatchError: fatal, never retried, logged at ERROR.
package ledger
