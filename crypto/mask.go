package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/sha3"
)

// ErrLengthMismatch is returned by the XOR helpers when their operands
// do not share the same length. There is no operator overloading for XOR
// on byte buffers; callers go through these free functions instead.
var ErrLengthMismatch = errors.New("crypto: length mismatch")

// XorInto XORs a and b into dst. All three slices must have equal length.
func XorInto(dst, a, b []byte) error {
	if len(a) != len(b) || len(dst) != len(a) {
		return ErrLengthMismatch
	}
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
	return nil
}

// XorInplace XORs src into dst in place. dst and src must have equal length.
func XorInplace(dst, src []byte) error {
	return XorInto(dst, dst, src)
}

// Xor returns a XOR b as a freshly allocated slice. a and b must have equal length.
func Xor(a, b []byte) ([]byte, error) {
	dst := make([]byte, len(a))
	if err := XorInto(dst, a, b); err != nil {
		return nil, err
	}
	return dst, nil
}

// AnonDHInfo derives the HKDF context both endpoints of a per-slot shared
// secret must agree on: the round id and the slot index. Without this, a
// shared secret would be reused verbatim across rounds and across the
// several slots a single static keypair participates in.
func AnonDHInfo(roundID uint64, slot int) []byte {
	info := make([]byte, 0, 12)
	info = binary.LittleEndian.AppendUint64(info, roundID)
	info = binary.LittleEndian.AppendUint32(info, uint32(slot))
	return info
}

// DeriveAnonSharedSecret computes the per-slot DH shared secret between an
// anonymous round identity and a peer's static DH key. It is symmetric: the
// slot owner calls it with (anonPriv, staticPub_of_peer_i) to reconstruct
// what peer i's contribution should be, and peer i calls it with
// (staticPriv_i, anonPub_of_slot) to produce its actual contribution. Both
// arrive at the same SharedKey as long as roundID and slot agree.
func DeriveAnonSharedSecret(priv KemPrivateKey, pub KemPublicKey, roundID uint64, slot int) (SharedKey, error) {
	return DeriveSharedSecret(priv, pub, AnonDHInfo(roundID, slot))
}

// Keystream extracts length pseudorandom bytes from a shared secret, bound
// to a round number and a slot index so that the same DH secret yields
// independent streams across rounds and across slots within a round.
func (sk SharedKey) Keystream(round uint64, slot int, length int) []byte {
	if length == 0 {
		return []byte{}
	}

	seedInput := make([]byte, 0, 8+4+len(sk))
	seedInput = binary.LittleEndian.AppendUint64(seedInput, round)
	seedInput = binary.LittleEndian.AppendUint32(seedInput, uint32(slot))
	seedInput = append(seedInput, sk...)
	seed := sha3.Sum256(seedInput)

	block, err := aes.NewCipher(seed[:16])
	if err != nil {
		panic(err.Error())
	}

	zeroIV := make([]byte, aes.BlockSize)
	stream := cipher.NewCTR(block, zeroIV)

	out := make([]byte, length)
	stream.XORKeyStream(out, out)
	return out
}
