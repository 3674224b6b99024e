package group

import (
	"encoding/binary"
	"errors"

	"github.com/flashbots/adcnet/crypto"
)

// ErrTruncated is returned by UnmarshalBinary when the input ends before a
// length-prefixed field has been fully read.
var ErrTruncated = errors.New("group: truncated encoding")

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

// MarshalBinary encodes g as (leader, policy, roster-in-sorted-order[, inner
// subgroup]), the canonical little-endian length-prefixed form spec.md §6
// mandates. Each roster entry is (id, signing-key bytes, dh bytes).
func (g *Group) MarshalBinary() ([]byte, error) {
	out := append([]byte{}, g.leader[:]...)
	out = append(out, byte(g.policy))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(g.roster)))
	for _, m := range g.roster {
		out = append(out, m.ID[:]...)
		out = appendLP(out, m.SigningKey)
		out = append(out, m.DHKey[:]...)
	}
	if g.policy == FixedSubgroup {
		inner, err := g.subgroup.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = appendLP(out, inner)
	}
	return out, nil
}

// UnmarshalBinary decodes the form produced by MarshalBinary, reconstructing
// the Group via New so the canonicalization invariants (sorted, deduped,
// index rebuilt) hold for decoded values exactly as for constructed ones.
func UnmarshalBinary(data []byte) (*Group, error) {
	if len(data) < len(ID{})+1+4 {
		return nil, ErrTruncated
	}
	var leader ID
	copy(leader[:], data[:32])
	data = data[32:]

	policy := SubgroupPolicy(data[0])
	data = data[1:]

	n := binary.LittleEndian.Uint32(data)
	data = data[4:]

	roster := make([]Member, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(data) < 32 {
			return nil, ErrTruncated
		}
		var id ID
		copy(id[:], data[:32])
		data = data[32:]

		var signingKey []byte
		var err error
		signingKey, data, err = readLP(data)
		if err != nil {
			return nil, err
		}

		if len(data) < 32 {
			return nil, ErrTruncated
		}
		var dh crypto.KemPublicKey
		copy(dh[:], data[:32])
		data = data[32:]

		roster = append(roster, Member{
			ID:         id,
			SigningKey: append([]byte{}, signingKey...),
			DHKey:      dh,
		})
	}

	var subgroup *Group
	if policy == FixedSubgroup {
		inner, _, err := readLP(data)
		if err != nil {
			return nil, err
		}
		subgroup, err = UnmarshalBinary(inner)
		if err != nil {
			return nil, err
		}
	}

	return New(roster, leader, policy, subgroup)
}
