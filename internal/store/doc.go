// Package store provides durable storage for agent ledgers on SQLite or
// PostgreSQL.
//
// Collections and the constraints the ledger relies on:
//   - agent_blocks: PRIMARY KEY (agent_id, idx), UNIQUE block_hash
//   - checkpoints: PRIMARY KEY epoch
//   - mint_receipts: PRIMARY KEY (agent_id, block_index), UNIQUE request_id
//   - agent_events: PRIMARY KEY content_hash
//
// # Conflict reporting
//
// A write that violates a uniqueness constraint returns ErrConflict, with
// the driver error wrapped. Callers implement optimistic concurrency on top:
// read state, build a candidate, insert, and on ErrConflict re-read and retry.
// Event inserts are the exception; they use ON CONFLICT DO NOTHING and
// report whether a row was inserted.
//
// # Ordering
//
// Block reads are ordered by idx. Event reads are ordered by ts DESC,
// content_hash ASC so ties are broken deterministically.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Timestamps are stored as unix milliseconds. Structured payloads are stored
// as canonical JSON TEXT produced by package ir.
package store
