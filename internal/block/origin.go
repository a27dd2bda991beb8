package block

import (
	"strconv"

	"github.com/roach88/agentledger/internal/identity"
)

// OriginFrom records an identity origin on a block.
func OriginFrom(o identity.Origin) *Origin {
	token := "0"
	if o.TokenID != nil {
		token = o.TokenID.Dec()
	}
	return &Origin{
		ChainID:  strconv.FormatUint(o.ChainID, 10),
		Contract: identity.NormalizeContract(o.Contract),
		TokenID:  token,
	}
}
