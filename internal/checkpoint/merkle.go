package checkpoint

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/roach88/agentledger/internal/ir"
)

// Proof sides.
const (
	SideLeft  = "L"
	SideRight = "R"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Side        string `json:"side"` // sibling position: "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Proof shows that an agent's tip is committed by a checkpoint root.
type Proof struct {
	Epoch      uint64      `json:"epoch"`
	AgentID    string      `json:"agent_id"`
	BlockIndex uint64      `json:"block_index"`
	BlockHash  string      `json:"block_hash"`
	LeafHash   string      `json:"leaf_hash"`
	Root       string      `json:"root"`
	Path       []ProofStep `json:"path"`
}

// LeafHash hashes one (agent id, tip hash) pair.
// leaf = SHA256("agentledger/checkpoint/leaf/v1" || 0x00 || agent_id || 0x00 || block_hash)
func LeafHash(agentID, blockHash string) string {
	data := make([]byte, 0, len(agentID)+1+len(blockHash))
	data = append(data, agentID...)
	data = append(data, 0x00)
	data = append(data, blockHash...)
	return ir.HashWithDomain(ir.DomainCheckpointLeaf, data)
}

// nodeHash combines two child hashes (hex) as raw bytes.
func nodeHash(left, right string) string {
	l, _ := hex.DecodeString(left)
	r, _ := hex.DecodeString(right)
	return ir.HashWithDomain(ir.DomainCheckpointNode, append(l, r...))
}

// isHash reports whether s is a hex SHA-256 digest.
func isHash(s string) bool {
	b, err := hex.DecodeString(s)
	return err == nil && len(b) == 32
}

// EmptyRoot is the commitment of a checkpoint with no tips.
func EmptyRoot() string {
	return ir.HashWithDomain(ir.DomainCheckpointEmpty, nil)
}

// sortTips orders tips by agent id, the leaf order of the tree.
func sortTips(tips []Tip) []Tip {
	out := make([]Tip, len(tips))
	copy(out, tips)
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func leaves(tips []Tip) []string {
	hashes := make([]string, len(tips))
	for i, t := range sortTips(tips) {
		hashes[i] = LeafHash(t.AgentID, t.BlockHash)
	}
	return hashes
}

// nextLevel pairs adjacent hashes. An unpaired last hash moves up unchanged.
func nextLevel(level []string) []string {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 == len(level) {
			next = append(next, level[i])
			continue
		}
		next = append(next, nodeHash(level[i], level[i+1]))
	}
	return next
}

// Root computes the Merkle root over tips sorted by agent id.
func Root(tips []Tip) string {
	level := leaves(tips)
	if len(level) == 0 {
		return EmptyRoot()
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

// buildProof returns the inclusion path for agentID among tips.
func buildProof(tips []Tip, agentID string) (Tip, []ProofStep, error) {
	sorted := sortTips(tips)
	pos := sort.Search(len(sorted), func(i int) bool { return sorted[i].AgentID >= agentID })
	if pos == len(sorted) || sorted[pos].AgentID != agentID {
		return Tip{}, nil, fmt.Errorf("%w: %s", ErrAgentNotCommitted, agentID)
	}

	level := leaves(sorted)
	path := []ProofStep{}
	for i := pos; len(level) > 1; i /= 2 {
		switch {
		case i%2 == 1:
			path = append(path, ProofStep{Side: SideLeft, SiblingHash: level[i-1]})
		case i+1 < len(level):
			path = append(path, ProofStep{Side: SideRight, SiblingHash: level[i+1]})
		}
		level = nextLevel(level)
	}
	return sorted[pos], path, nil
}

// VerifyProof recomputes the root from the proof's leaf and path and
// compares it with root.
func VerifyProof(p Proof, root string) bool {
	current := LeafHash(p.AgentID, p.BlockHash)
	if current != p.LeafHash {
		return false
	}
	for _, step := range p.Path {
		if !isHash(step.SiblingHash) {
			return false
		}
		switch step.Side {
		case SideLeft:
			current = nodeHash(step.SiblingHash, current)
		case SideRight:
			current = nodeHash(current, step.SiblingHash)
		default:
			return false
		}
	}
	return current == root
}
