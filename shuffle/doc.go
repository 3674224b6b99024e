// Package shuffle implements the anonymous permutation round a BulkRound
// depends on: every group member submits one opaque input, and every
// honest member ends up with an identical, randomly-permuted vector of all
// N inputs, with the sender of each input hidden from all others.
//
// spec.md explicitly treats ShuffleRound's internals as out of scope for
// the bulk round protocol; only the contract matters. This package
// implements that contract with a sequential onion shuffle modeled after
// the Neff-style shuffle in dedis-prifi_archive's shuf package, but without
// its zero-knowledge correctness proof: each peer in turn decrypts the
// layer addressed to it, adds its own input, locally permutes the batch,
// and hands it to the next peer in roster order. The last peer's decrypt
// leaves the batch fully in the clear, and it broadcasts that result to
// everyone.
package shuffle
