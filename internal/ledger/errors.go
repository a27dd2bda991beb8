package ledger

import (
	"errors"
	"fmt"
)

// ChainConflictError is returned when Append loses the race for the next
// index on every attempt. The caller may resubmit.
type ChainConflictError struct {
	AgentID  string
	Attempts int
	Err      error // last conflict reported by the store
}

func (e *ChainConflictError) Error() string {
	return fmt.Sprintf("CHAIN_CONFLICT: agent %s: lost append race %d times: %v", e.AgentID, e.Attempts, e.Err)
}

func (e *ChainConflictError) Unwrap() error {
	return e.Err
}

// HashMismatchError signals a block whose stored hash does not match its
// content. Corruption or tampering; never retried.
type HashMismatchError struct {
	AgentID  string
	Index    uint64
	Stored   string
	Computed string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("HASH_MISMATCH: agent %s block %d: stored %s, computed %s",
		e.AgentID, e.Index, e.Stored, e.Computed)
}

// IsChainConflict reports whether err is or wraps a ChainConflictError.
func IsChainConflict(err error) bool {
	var ce *ChainConflictError
	return errors.As(err, &ce)
}

// IsHashMismatch reports whether err is or wraps a HashMismatchError.
func IsHashMismatch(err error) bool {
	var he *HashMismatchError
	return errors.As(err, &he)
}
