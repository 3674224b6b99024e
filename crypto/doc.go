// Package crypto provides the cryptographic primitives the bulk broadcast
// protocol is built from:
//
//   - Key encapsulation (X25519) for per-round, per-slot shared secrets
//   - Digital signatures (Ed25519) for sender authentication
//   - ECIES (ECDH + AES-GCM) for the shuffle's onion layers
//   - A deterministic AES-keystream construction (MaskEngine) that turns a
//     shared secret into a peer's XOR mask row for a slot
//   - Free-function XOR helpers with explicit length checking
//
// The crypto package provides low-level primitives only; round and
// blame-protocol logic lives in protocol and blame.
// Note: not all operations here are constant-time.
package crypto
