// Package ir provides the constrained value model used for block payloads
// and the canonical encoding every ledger hash is computed over.
//
// ir imports nothing internal; identity, block and store all build on it.
//
// Key constraints:
//   - NO float types: numbers are int64 only, decimals travel as strings
//   - NO null inside hashed content
//   - Object keys are ordered by UTF-16 code units (RFC 8785)
//   - Strings are NFC normalized at the serialization boundary
//
// The encoding rules in this package are frozen per protocol version.
// Changing them under an existing version breaks every stored block hash;
// add a new version in package block instead.
package ir
