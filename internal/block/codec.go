package block

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/agentledger/internal/ir"
)

// CurrentProtocolVersion is stamped on blocks that do not declare one.
const CurrentProtocolVersion int64 = 1

// ErrUnsupportedProtocol is returned for a protocol version with no encoder.
var ErrUnsupportedProtocol = errors.New("unsupported block protocol version")

// encoder lays out a block's hashed fields for one protocol version.
type encoder func(b Block) (ir.IRObject, error)

var encoders = map[int64]encoder{
	1: encodeV1,
}

// SupportedVersions lists protocol versions this build can hash, ascending.
func SupportedVersions() []int64 {
	out := make([]int64, 0, len(encoders))
	for v := range encoders {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CanonicalBytes returns the exact bytes the block hash is computed over.
func CanonicalBytes(b Block) ([]byte, error) {
	enc, ok := encoders[b.ProtocolVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedProtocol, b.ProtocolVersion)
	}
	obj, err := enc(b)
	if err != nil {
		return nil, err
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding: %w", err)
	}
	return data, nil
}

// ComputeHash recomputes the block hash from every field except BlockHash.
func ComputeHash(b Block) (string, error) {
	data, err := CanonicalBytes(b)
	if err != nil {
		return "", err
	}
	return ir.HashWithDomain(ir.BlockDomain(b.ProtocolVersion), data), nil
}

// encodeV1 is frozen. origin is omitted when nil; every other key is always
// present, with empty containers for unset payloads.
func encodeV1(b Block) (ir.IRObject, error) {
	params := b.Params
	if params == nil {
		params = ir.IRObject{}
	}
	resources := b.Resources
	if resources == nil {
		resources = ir.IRObject{}
	}
	attachments := b.Attachments
	if attachments == nil {
		attachments = ir.IRArray{}
	}
	if b.Index > 1<<63-1 {
		return nil, fmt.Errorf("index %d out of range", b.Index)
	}

	obj := ir.IRObject{
		"agent_id":         ir.IRString(b.AgentID),
		"index":            ir.IRInt(int64(b.Index)),
		"parent_hash":      ir.IRString(b.ParentHash),
		"timestamp":        ir.IRInt(b.Timestamp),
		"actor":            ir.IRString(b.Actor),
		"action":           ir.IRString(b.Action),
		"params":           params,
		"resources":        resources,
		"attachments":      attachments,
		"protocol_version": ir.IRInt(b.ProtocolVersion),
	}
	if b.Origin != nil {
		obj["origin"] = ir.IRObject{
			"chain_id": ir.IRString(b.Origin.ChainID),
			"contract": ir.IRString(b.Origin.Contract),
			"token_id": ir.IRString(b.Origin.TokenID),
		}
	}
	return obj, nil
}
