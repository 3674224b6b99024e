package protocol

import (
	"encoding/binary"

	"github.com/flashbots/adcnet/group"
)

// WireMessage is the envelope every BulkRound message travels in, whatever
// its MessageType: the round it belongs to, the sender's claimed identity
// (authenticated at the transport layer, per spec.md §4.5), and a
// type-specific payload.
type WireMessage struct {
	RoundID uint64
	Type    MessageType
	Sender  group.ID
	Payload []byte
}

// EncodeWireMessage serializes msg as (round_id:u64, type:u8, sender:32,
// payload:LP).
func EncodeWireMessage(msg WireMessage) []byte {
	out := make([]byte, 0, 8+1+32+4+len(msg.Payload))
	out = binary.LittleEndian.AppendUint64(out, msg.RoundID)
	out = append(out, byte(msg.Type))
	out = append(out, msg.Sender[:]...)
	out = appendLP(out, msg.Payload)
	return out
}

// DecodeWireMessage is the inverse of EncodeWireMessage.
func DecodeWireMessage(data []byte) (WireMessage, error) {
	if len(data) < 8+1+32 {
		return WireMessage{}, ErrTruncated
	}
	roundID := binary.LittleEndian.Uint64(data)
	data = data[8:]
	typ := MessageType(data[0])
	data = data[1:]
	var sender group.ID
	copy(sender[:], data[:32])
	data = data[32:]

	payload, _, err := readLP(data)
	if err != nil {
		return WireMessage{}, err
	}
	return WireMessage{RoundID: roundID, Type: typ, Sender: sender, Payload: append([]byte{}, payload...)}, nil
}

// encodeLoggedBulkData wraps a raw bulk row with the identity of the peer it
// originated from, per spec.md §4.5/§4.7: the leader relays these on the
// leader's aggregation failure path so every peer can attribute the row it
// replays.
func encodeLoggedBulkData(origin group.ID, row []byte) []byte {
	out := make([]byte, 0, 32+4+len(row))
	out = append(out, origin[:]...)
	out = appendLP(out, row)
	return out
}

func decodeLoggedBulkData(data []byte) (group.ID, []byte, error) {
	if len(data) < 32 {
		return group.ID{}, nil, ErrTruncated
	}
	var origin group.ID
	copy(origin[:], data[:32])
	row, _, err := readLP(data[32:])
	if err != nil {
		return group.ID{}, nil, err
	}
	return origin, append([]byte{}, row...), nil
}

// encodeAggregatedBulkData serializes the leader's final, ordered vector of
// recovered slot cleartexts.
func encodeAggregatedBulkData(cleartexts [][]byte) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(cleartexts)))
	for _, c := range cleartexts {
		out = appendLP(out, c)
	}
	return out
}

// decodeAggregatedBulkData is the inverse of encodeAggregatedBulkData,
// checked against the descriptor vector's length so a peer can immediately
// detect a leader that dropped or added slots.
func decodeAggregatedBulkData(data []byte, descriptors []Descriptor) ([][]byte, error) {
	if len(data) < 4 {
		return nil, ErrTruncated
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if int(count) != len(descriptors) {
		return nil, ErrTruncated
	}

	cleartexts := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var c []byte
		var err error
		c, data, err = readLP(data)
		if err != nil {
			return nil, err
		}
		if len(c) != descriptors[i].Length {
			return nil, ErrTruncated
		}
		cleartexts = append(cleartexts, append([]byte{}, c...))
	}
	return cleartexts, nil
}
