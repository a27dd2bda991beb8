package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/roach88/agentledger/internal/block"
	"github.com/roach88/agentledger/internal/ir"
)

// createTestStore creates a new temp-dir SQLite store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// buildChain builds n linked blocks for agentID starting at ts.
func buildChain(t *testing.T, agentID string, n int, ts int64) []block.Block {
	t.Helper()
	var (
		prev  *block.Block
		chain []block.Block
	)
	for i := 0; i < n; i++ {
		b, err := block.Build(prev, block.Core{
			AgentID:   agentID,
			Timestamp: ts + int64(i)*1000,
			Actor:     "system",
			Action:    fmt.Sprintf("action-%d", i),
			Params:    ir.IRObject{"n": ir.IRInt(int64(i))},
		})
		if err != nil {
			t.Fatalf("block.Build() failed: %v", err)
		}
		chain = append(chain, b)
		prev = &chain[len(chain)-1]
	}
	return chain
}
