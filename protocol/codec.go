package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/flashbots/adcnet/crypto"
)

// ErrTruncated is returned by decoders when the input ends before a
// length-prefixed field is fully read.
var ErrTruncated = errors.New("protocol: truncated encoding")

// EncodeDescriptor serializes d in the canonical little-endian,
// length-prefixed form spec.md §6 mandates:
// (length:int32, anon_dh_public:bytes, xor_hashes:[bytes]xN, cleartext_hash:bytes).
func EncodeDescriptor(d Descriptor) []byte {
	out := make([]byte, 0, 4+32+4+len(d.CleartextHash))
	out = binary.LittleEndian.AppendUint32(out, uint32(int32(d.Length)))
	out = appendLP(out, d.AnonDHPublic[:])
	out = binary.LittleEndian.AppendUint32(out, uint32(len(d.XorHashes)))
	for _, h := range d.XorHashes {
		out = appendLP(out, h)
	}
	out = appendLP(out, d.CleartextHash)
	return out
}

// DecodeDescriptor is the inverse of EncodeDescriptor; decode(encode(d)) ==
// d for any Descriptor d, per spec.md §8's round-trip property.
func DecodeDescriptor(data []byte) (Descriptor, []byte, error) {
	if len(data) < 4 {
		return Descriptor{}, nil, ErrTruncated
	}
	length := int32(binary.LittleEndian.Uint32(data))
	data = data[4:]

	dhBytes, data, err := readLP(data)
	if err != nil {
		return Descriptor{}, nil, err
	}
	if len(dhBytes) != 32 {
		return Descriptor{}, nil, ErrTruncated
	}
	var anonDH crypto.KemPublicKey
	copy(anonDH[:], dhBytes)

	if len(data) < 4 {
		return Descriptor{}, nil, ErrTruncated
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]
	// Bound count against what data could possibly hold before trusting it
	// as a preallocation size: every remaining field costs at least 4 bytes
	// for its own length prefix, so a count this large is truncated input
	// regardless of what readLP would decode.
	if uint64(count) > uint64(len(data))/4 {
		return Descriptor{}, nil, ErrTruncated
	}

	hashes := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var h []byte
		h, data, err = readLP(data)
		if err != nil {
			return Descriptor{}, nil, err
		}
		hashes = append(hashes, append([]byte{}, h...))
	}

	cleartextHash, data, err := readLP(data)
	if err != nil {
		return Descriptor{}, nil, err
	}

	return Descriptor{
		Length:        int(length),
		AnonDHPublic:  anonDH,
		XorHashes:     hashes,
		CleartextHash: append([]byte{}, cleartextHash...),
	}, data, nil
}

func appendLP(dst []byte, b []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func readLP(b []byte) (field, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, ErrTruncated
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, ErrTruncated
	}
	return b[:n], b[n:], nil
}
