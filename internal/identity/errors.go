package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownChain is returned when a chain name is not in the registry
	// and no explicit id override was given. Not retryable.
	ErrUnknownChain = errors.New("unknown chain")

	// ErrEmptyTokenID is returned when a token reference is blank.
	ErrEmptyTokenID = errors.New("empty token id")

	// ErrTokenIDOverflow is returned when a numeric token id exceeds 256 bits.
	ErrTokenIDOverflow = errors.New("token id exceeds 256 bits")

	// ErrEmptyContract is returned when an origin has no contract.
	ErrEmptyContract = errors.New("empty origin contract")

	// ErrInvalidRegistry is returned when a chain registry document fails validation.
	ErrInvalidRegistry = errors.New("invalid chain registry")
)

// UnknownChainError carries the name that failed to resolve.
type UnknownChainError struct {
	Name string
}

func (e *UnknownChainError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownChain, e.Name)
}

func (e *UnknownChainError) Unwrap() error {
	return ErrUnknownChain
}
