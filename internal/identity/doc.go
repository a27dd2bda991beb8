// Package identity derives deterministic agent identifiers from an on-chain
// origin triple (chain id, origin contract, token id).
//
// Agent ids are never assigned. Any party holding the origin triple can
// recompute them without touching storage:
//
//	agentId = Keccak256("agentledger/agent/v1" || 0x00 ||
//	                    uint256(chainId) || uint32(len(contract)) || contract ||
//	                    uint256(tokenId))
//
// Chain names resolve through a versioned registry. Chains without a
// standard numeric id use a symbolic id: their ASCII tag packed big-endian
// into a uint64 (see SymbolicChainID). The scheme is frozen as registry
// version 1.
package identity
