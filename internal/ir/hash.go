package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed hashes.
// The version suffix is part of the protocol: bump it, never edit it.
const (
	DomainBlockPrefix     = "agentledger/block/v"
	DomainEvent           = "agentledger/event/v1"
	DomainCheckpointLeaf  = "agentledger/checkpoint/leaf/v1"
	DomainCheckpointNode  = "agentledger/checkpoint/node/v1"
	DomainCheckpointEmpty = "agentledger/checkpoint/empty/v1"
)

// HashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
// The null separator keeps domain and data boundaries unambiguous.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BlockDomain returns the hash domain for a block protocol version.
func BlockDomain(protocolVersion int64) string {
	return fmt.Sprintf("%s%d", DomainBlockPrefix, protocolVersion)
}

// CanonicalHash marshals v canonically and hashes it under domain.
func CanonicalHash(domain string, v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("canonical hash: %w", err)
	}
	return HashWithDomain(domain, data), nil
}
