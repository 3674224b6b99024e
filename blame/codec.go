package blame

import (
	"encoding/binary"
	"errors"

	"github.com/flashbots/adcnet/crypto"
)

// ErrTruncated is returned by DecodeEntries when the input ends before a
// length-prefixed field is fully read.
var ErrTruncated = errors.New("blame: truncated encoding")

// EncodeEntries serializes entries as
// (count:u32, [descriptor_index:i32, peer_index:i32, accuser_index:i32, shared_secret:LP]xN),
// the payload one peer submits into the blame shuffle.
func EncodeEntries(entries []Entry) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(entries)))
	for _, e := range entries {
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(e.DescriptorIndex)))
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(e.PeerIndex)))
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(e.AccuserIndex)))
		out = appendLP(out, e.SharedSecret.Bytes())
	}
	return out
}

// DecodeEntries is the inverse of EncodeEntries.
func DecodeEntries(data []byte) ([]Entry, error) {
	if len(data) < 4 {
		return nil, ErrTruncated
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]

	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 12 {
			return nil, ErrTruncated
		}
		descIdx := int(int32(binary.LittleEndian.Uint32(data)))
		data = data[4:]
		peerIdx := int(int32(binary.LittleEndian.Uint32(data)))
		data = data[4:]
		accuserIdx := int(int32(binary.LittleEndian.Uint32(data)))
		data = data[4:]

		secretBytes, rest, err := readLP(data)
		if err != nil {
			return nil, err
		}
		data = rest

		entries = append(entries, Entry{
			DescriptorIndex: descIdx,
			PeerIndex:       peerIdx,
			AccuserIndex:    accuserIdx,
			SharedSecret:    crypto.NewSharedKey(secretBytes),
		})
	}
	return entries, nil
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
