package identity

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// DomainAgent separates agent id preimages from every other hash in the system.
const DomainAgent = "agentledger/agent/v1"

var evmAddress = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Origin is the on-chain reference an agent identity derives from.
type Origin struct {
	ChainID  uint64
	Contract string
	TokenID  *uint256.Int
}

// Identity pairs an origin with its derived agent id.
type Identity struct {
	Origin  Origin
	AgentID string
}

// NormalizeContract lower-cases EVM hex addresses so checksum casing does
// not change the agent id. Other contract references are kept verbatim.
func NormalizeContract(contract string) string {
	contract = strings.TrimSpace(contract)
	if evmAddress.MatchString(contract) {
		return strings.ToLower(contract)
	}
	return contract
}

// ComputeAgentID binds the origin triple into a Keccak-256 identifier.
// Pure: no storage access, no side effects.
func ComputeAgentID(o Origin) string {
	contract := []byte(NormalizeContract(o.Contract))
	token := o.TokenID
	if token == nil {
		token = new(uint256.Int)
	}
	chain := uint256.NewInt(o.ChainID).Bytes32()
	tokenBytes := token.Bytes32()

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(contract)))

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(DomainAgent))
	h.Write([]byte{0x00})
	h.Write(chain[:])
	h.Write(length[:])
	h.Write(contract)
	h.Write(tokenBytes[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Resolver runs chain resolution, token normalization and id derivation.
type Resolver struct {
	registry *Registry
}

// NewResolver returns a resolver backed by registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Registry returns the backing chain registry.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Resolve derives the identity for (chain, contract, token). override, when
// non-nil, is used as the chain id instead of a registry lookup.
func (r *Resolver) Resolve(chain string, override *uint64, contract, rawTokenID string) (Identity, error) {
	chainID, err := r.registry.ResolveChainID(chain, override)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve chain: %w", err)
	}
	contract = NormalizeContract(contract)
	if contract == "" {
		return Identity{}, ErrEmptyContract
	}
	token, err := NormalizeTokenID(rawTokenID)
	if err != nil {
		return Identity{}, fmt.Errorf("normalize token id %q: %w", rawTokenID, err)
	}

	origin := Origin{ChainID: chainID, Contract: contract, TokenID: token}
	return Identity{Origin: origin, AgentID: ComputeAgentID(origin)}, nil
}
