package crypto

import "golang.org/x/crypto/sha3"

// HashSize is the digest length produced by Hash, and the length every
// protocol package validates commitment hashes against.
const HashSize = 32

// Hash is the commitment primitive used throughout the bulk round: XOR-cell
// commitments, cleartext commitments, and blame disclosures all hash with
// this single SHA3-256 instance rather than each package picking its own.
func Hash(data []byte) []byte {
	sum := sha3.Sum256(data)
	return sum[:]
}
