package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"regexp"

	"github.com/holiman/uint256"
)

var (
	decimalTokenID = regexp.MustCompile(`^[0-9]+$`)
	hexTokenID     = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)
)

// NormalizeTokenID maps any token reference into one numeric domain:
//  1. a base-10 digit string is parsed directly
//  2. a 0x-prefixed hex string is parsed as hex
//  3. anything else is an opaque chain-native identifier: the first
//     8 bytes of SHA-256(raw) are read as a big-endian unsigned integer
//
// raw is classified exactly as given; " 42" is an opaque identifier, not 42.
func NormalizeTokenID(raw string) (*uint256.Int, error) {
	if raw == "" {
		return nil, ErrEmptyTokenID
	}

	switch {
	case decimalTokenID.MatchString(raw):
		return parseTokenID(raw, 10)
	case hexTokenID.MatchString(raw):
		return parseTokenID(raw[2:], 16)
	default:
		sum := sha256.Sum256([]byte(raw))
		return uint256.NewInt(binary.BigEndian.Uint64(sum[:8])), nil
	}
}

// parseTokenID tolerates leading zeros, which uint256's own parsers reject.
func parseTokenID(digits string, base int) (*uint256.Int, error) {
	b, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, ErrEmptyTokenID
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrTokenIDOverflow
	}
	return v, nil
}
