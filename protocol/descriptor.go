package protocol

import (
	"bytes"

	"github.com/flashbots/adcnet/crypto"
)

// Descriptor is the per-sender, per-round commitment published at shuffle
// time: the message length, the anonymous DH public the sender will use to
// derive mask shared secrets, a hash commitment for every peer's expected
// XOR contribution to this slot, and a hash of the cleartext itself.
//
// Descriptor is a value type; Equal is structural, matching spec.md §3.
type Descriptor struct {
	Length        int
	AnonDHPublic  crypto.KemPublicKey
	XorHashes     [][]byte
	CleartextHash []byte
}

// UninitializedLength is the sentinel Length value -1. It is not the zero
// value: a zero-value Descriptor has Length 0.
const UninitializedLength = -1

// NewDescriptor builds a Descriptor, copying the supplied hash slices so the
// caller's buffers remain independently mutable.
func NewDescriptor(length int, anonDH crypto.KemPublicKey, xorHashes [][]byte, cleartextHash []byte) Descriptor {
	hashes := make([][]byte, len(xorHashes))
	for i, h := range xorHashes {
		hashes[i] = append([]byte{}, h...)
	}
	return Descriptor{
		Length:        length,
		AnonDHPublic:  anonDH,
		XorHashes:     hashes,
		CleartextHash: append([]byte{}, cleartextHash...),
	}
}

// Equal reports structural equality between two descriptors.
func (d Descriptor) Equal(o Descriptor) bool {
	if d.Length != o.Length || d.AnonDHPublic != o.AnonDHPublic {
		return false
	}
	if !bytes.Equal(d.CleartextHash, o.CleartextHash) {
		return false
	}
	if len(d.XorHashes) != len(o.XorHashes) {
		return false
	}
	for i := range d.XorHashes {
		if !bytes.Equal(d.XorHashes[i], o.XorHashes[i]) {
			return false
		}
	}
	return true
}

// Validate checks the invariants spec.md §4.2 requires of a descriptor
// parsed from shuffle output: non-negative length, one XOR hash per group
// member, and hash lengths matching the configured hash primitive.
func (d Descriptor) Validate(groupCount, hashLen int) error {
	if d.Length < 0 {
		return newPeerError(ErrMalformedMessage, -1, "descriptor length is negative")
	}
	if len(d.XorHashes) != groupCount {
		return newPeerError(ErrMalformedMessage, -1, "descriptor xor_hashes length does not match group size")
	}
	for _, h := range d.XorHashes {
		if len(h) != hashLen {
			return newPeerError(ErrMalformedMessage, -1, "descriptor xor hash has wrong length")
		}
	}
	if len(d.CleartextHash) != hashLen {
		return newPeerError(ErrMalformedMessage, -1, "descriptor cleartext hash has wrong length")
	}
	return nil
}
