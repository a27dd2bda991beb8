// Package block builds and hashes ledger blocks.
//
// A block's hash covers every field except BlockHash itself:
//
//	blockHash = SHA256("agentledger/block/v<protocolVersion>" || 0x00 || canonical)
//
// where canonical is the ir canonical JSON of the fields as laid out by the
// encoder registered for that protocol version. Encoders are frozen once
// released. A change to key names, omission rules or value encodings gets a
// new protocol version and a new encoder; existing versions stay verifiable.
package block
