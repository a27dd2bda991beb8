package block

import (
	"errors"
	"fmt"

	"github.com/roach88/agentledger/internal/ir"
)

// GenesisSentinel is the parent hash of every chain's first block.
const GenesisSentinel = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrEmptyAgentID is returned when a block has no agent id.
	ErrEmptyAgentID = errors.New("block has no agent id")

	// ErrAgentMismatch is returned when a block would extend another agent's chain.
	ErrAgentMismatch = errors.New("previous block belongs to a different agent")

	// ErrBrokenLink is returned when a block does not follow its predecessor.
	ErrBrokenLink = errors.New("block does not link to its predecessor")
)

// Origin records the on-chain reference an agent was derived from.
// Numeric fields are decimal strings; chain ids and token ids can exceed int64.
type Origin struct {
	ChainID  string `json:"chain_id"`
	Contract string `json:"contract"`
	TokenID  string `json:"token_id"`
}

// Block is one immutable, hash-linked record in an agent's chain.
type Block struct {
	AgentID         string      `json:"agent_id"`
	Index           uint64      `json:"index"`
	ParentHash      string      `json:"parent_hash"`
	Timestamp       int64       `json:"timestamp"` // unix milliseconds
	Actor           string      `json:"actor"`
	Action          string      `json:"action"`
	Params          ir.IRObject `json:"params"`
	Resources       ir.IRObject `json:"resources"`
	Attachments     ir.IRArray  `json:"attachments"`
	ProtocolVersion int64       `json:"protocol_version"`
	Origin          *Origin     `json:"origin,omitempty"`
	BlockHash       string      `json:"block_hash"`
}

// Core is the caller-supplied part of a block. Index, ParentHash and
// BlockHash are derived by Build.
type Core struct {
	AgentID         string
	Timestamp       int64
	Actor           string
	Action          string
	Params          ir.IRObject
	Resources       ir.IRObject
	Attachments     ir.IRArray
	ProtocolVersion int64
	Origin          *Origin
}

// IsGenesis reports whether b starts its chain.
func (b Block) IsGenesis() bool {
	return b.Index == 0 && b.ParentHash == GenesisSentinel
}

// Build derives the next block after previous (nil for genesis) and attaches
// its hash. Pure: nothing is persisted.
func Build(previous *Block, core Core) (Block, error) {
	if core.AgentID == "" {
		return Block{}, ErrEmptyAgentID
	}

	b := Block{
		AgentID:         core.AgentID,
		Index:           0,
		ParentHash:      GenesisSentinel,
		Timestamp:       core.Timestamp,
		Actor:           core.Actor,
		Action:          core.Action,
		Params:          core.Params,
		Resources:       core.Resources,
		Attachments:     core.Attachments,
		ProtocolVersion: core.ProtocolVersion,
		Origin:          core.Origin,
	}
	if previous != nil {
		if previous.AgentID != core.AgentID {
			return Block{}, fmt.Errorf("%w: %s != %s", ErrAgentMismatch, previous.AgentID, core.AgentID)
		}
		b.Index = previous.Index + 1
		b.ParentHash = previous.BlockHash
	}
	if b.ProtocolVersion == 0 {
		b.ProtocolVersion = CurrentProtocolVersion
	}
	if b.Params == nil {
		b.Params = ir.IRObject{}
	}
	if b.Resources == nil {
		b.Resources = ir.IRObject{}
	}
	if b.Attachments == nil {
		b.Attachments = ir.IRArray{}
	}

	hash, err := ComputeHash(b)
	if err != nil {
		return Block{}, fmt.Errorf("build block %s/%d: %w", b.AgentID, b.Index, err)
	}
	b.BlockHash = hash
	return b, nil
}

// CheckLink verifies that b directly follows previous (nil for genesis).
// It checks structure only; hashes are recomputed by the caller.
func CheckLink(previous *Block, b Block) error {
	if previous == nil {
		if b.Index != 0 || b.ParentHash != GenesisSentinel {
			return fmt.Errorf("%w: first block has index %d parent %s", ErrBrokenLink, b.Index, b.ParentHash)
		}
		return nil
	}
	if b.AgentID != previous.AgentID {
		return fmt.Errorf("%w: agent %s follows %s", ErrBrokenLink, b.AgentID, previous.AgentID)
	}
	if b.Index != previous.Index+1 {
		return fmt.Errorf("%w: index %d follows %d", ErrBrokenLink, b.Index, previous.Index)
	}
	if b.ParentHash != previous.BlockHash {
		return fmt.Errorf("%w: block %d parent %s, want %s", ErrBrokenLink, b.Index, b.ParentHash, previous.BlockHash)
	}
	return nil
}
