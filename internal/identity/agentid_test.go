package identity

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baycContract = "0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D"

func TestComputeAgentIDVector(t *testing.T) {
	id := ComputeAgentID(Origin{ChainID: 1, Contract: baycContract, TokenID: uint256.NewInt(42)})
	assert.Equal(t, "16cf1bcd927088a3e42f7cfabf91c6fb709d021bda74d4dd98a28edd0cdc98d5", id)
}

func TestComputeAgentIDChecksumCaseInsensitive(t *testing.T) {
	upper := ComputeAgentID(Origin{ChainID: 1, Contract: baycContract, TokenID: uint256.NewInt(7)})
	lower := ComputeAgentID(Origin{ChainID: 1, Contract: "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d", TokenID: uint256.NewInt(7)})
	assert.Equal(t, upper, lower)
}

func TestComputeAgentIDNonEVMContractVerbatim(t *testing.T) {
	a := ComputeAgentID(Origin{ChainID: 5459788, Contract: "Metaplex", TokenID: uint256.NewInt(1)})
	b := ComputeAgentID(Origin{ChainID: 5459788, Contract: "metaplex", TokenID: uint256.NewInt(1)})
	assert.NotEqual(t, a, b)
}

func TestComputeAgentIDLengthPrefix(t *testing.T) {
	// Without the length prefix, contract "ab" + token bytes could alias "a" + shifted bytes.
	a := ComputeAgentID(Origin{ChainID: 1, Contract: "ab", TokenID: uint256.NewInt(0)})
	b := ComputeAgentID(Origin{ChainID: 1, Contract: "a", TokenID: uint256.NewInt(0)})
	assert.NotEqual(t, a, b)
}

func TestAgentIDDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical origins yield identical agent ids", prop.ForAll(
		func(chain uint64, contract string, token uint64) bool {
			o1 := Origin{ChainID: chain, Contract: contract, TokenID: uint256.NewInt(token)}
			o2 := Origin{ChainID: chain, Contract: contract, TokenID: uint256.NewInt(token)}
			return ComputeAgentID(o1) == ComputeAgentID(o2)
		},
		gen.UInt64(),
		gen.AnyString(),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}

func TestAgentIDDistinctnessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("distinct token ids yield distinct agent ids", prop.ForAll(
		func(a, b uint64) bool {
			if a == b {
				return true
			}
			idA := ComputeAgentID(Origin{ChainID: 1, Contract: baycContract, TokenID: uint256.NewInt(a)})
			idB := ComputeAgentID(Origin{ChainID: 1, Contract: baycContract, TokenID: uint256.NewInt(b)})
			return idA != idB
		},
		gen.UInt64(),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}

func TestResolverResolve(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	r := NewResolver(reg)

	ident, err := r.Resolve("ethereum", nil, baycContract, "0x2a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ident.Origin.ChainID)
	assert.Equal(t, "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d", ident.Origin.Contract)
	assert.Equal(t, uint64(42), ident.Origin.TokenID.Uint64())
	assert.Equal(t, "16cf1bcd927088a3e42f7cfabf91c6fb709d021bda74d4dd98a28edd0cdc98d5", ident.AgentID)

	sol, err := r.Resolve("solana", nil, "metaplex", "SolanaMintAddress12345")
	require.NoError(t, err)
	assert.Equal(t, "00ba38b2e04053a3ae01dc7995863ac65495a2a3d9ad14a91345e88c198739a8", sol.AgentID)
}

func TestResolverErrors(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	r := NewResolver(reg)

	_, err = r.Resolve("nowhere", nil, baycContract, "1")
	assert.ErrorIs(t, err, ErrUnknownChain)

	_, err = r.Resolve("ethereum", nil, " ", "1")
	assert.ErrorIs(t, err, ErrEmptyContract)

	_, err = r.Resolve("ethereum", nil, baycContract, "")
	assert.ErrorIs(t, err, ErrEmptyTokenID)
}
