package blame

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/flashbots/adcnet/crypto"
	"github.com/flashbots/adcnet/group"
)

// Entry is one peer's disclosure of the DH secret behind a single XOR cell,
// submitted through the blame shuffle so it can be verified without
// revealing who submitted it. PeerIndex is the cell's column (the
// transmitting peer); AccuserIndex is whoever is vouching for
// SharedSecret — the transmitting peer disclosing its own secret
// (PeerIndex == AccuserIndex), or the slot's owner disclosing what every
// peer's contribution to its own slot should have been (PeerIndex !=
// AccuserIndex), per spec.md §4.6 step 2.
type Entry struct {
	DescriptorIndex int
	PeerIndex       int
	AccuserIndex    int
	SharedSecret    crypto.SharedKey
}

// DescriptorView is the slice of a protocol.Descriptor that ProcessBlame
// needs: the commitments to check disclosed secrets against. Kept separate
// from protocol.Descriptor so this package never imports protocol.
type DescriptorView struct {
	Length        int
	XorHashes     [][]byte
	CleartextHash []byte
}

// ShuffleRound is the narrow shape blame needs from a shuffle collaborator,
// structurally identical to shuffle.Round and to protocol's own interface
// over it.
type ShuffleRound interface {
	Start(ctx context.Context, myInput []byte) error
	IncomingData(ctx context.Context, from group.ID, payload []byte) error
	OnFinished(func(items [][]byte))
	OnAborted(func(err error))
	GetBadMembers() []int
}

// ShuffleFactory constructs a fresh ShuffleRound for the blame subsystem to
// drive, so Subsystem never has to import a concrete shuffle package.
// Network wiring is the caller's concern: a real transport routes blame
// traffic over its own endpoint, distinct from the main shuffle and from
// bulk-data traffic, so whatever Network the ShuffleRound sends through is
// closed over by the factory rather than threaded in here.
type ShuffleFactory func(g *group.Group, self group.ID, priv crypto.KemPrivateKey) ShuffleRound

// Subsystem owns the second shuffle used to disclose and verify DH secrets
// for every cell BulkRound's aggregation found inconsistent.
type Subsystem struct {
	mu sync.Mutex

	g       *group.Group
	self    group.ID
	roundID uint64
	hashFn  func([]byte) []byte

	shuffle ShuffleRound

	descriptors []DescriptorView
	rows        map[int][]byte

	onFinished func(badMembers []int)
}

// NewSubsystem constructs a Subsystem for one round. hashFn must be the
// same commitment hash the round's descriptors were built with.
func NewSubsystem(g *group.Group, self group.ID, roundID uint64, hashFn func([]byte) []byte) *Subsystem {
	return &Subsystem{g: g, self: self, roundID: roundID, hashFn: hashFn}
}

// PrepareBlameShuffle constructs the second ShuffleRound ahead of any
// detected failure, per spec.md §4.6/§4.7's latency note: by the time a
// hash mismatch is found during aggregation, the shuffle collaborator only
// needs Start, not construction.
func (s *Subsystem) PrepareBlameShuffle(newShuffle ShuffleFactory, priv crypto.KemPrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuffle != nil {
		return
	}
	s.shuffle = newShuffle(s.g, s.self, priv)
	s.shuffle.OnFinished(s.onShuffleFinished)
}

// OnFinished registers the callback invoked once every peer's disclosures
// have been shuffled and cross-checked, with the resulting bad member
// group-indexes.
func (s *Subsystem) OnFinished(f func(badMembers []int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinished = f
}

// GetShuffleRound exposes the prepared shuffle collaborator so the owner's
// transport can route incoming blame-tagged wire traffic to it.
func (s *Subsystem) GetShuffleRound() ShuffleRound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuffle
}

// Start submits this peer's disclosures into the blame shuffle. descriptors
// and rows are retained until the shuffle finishes, when they are needed to
// verify every peer's disclosures against the round's actual commitments
// and transmitted bytes.
func (s *Subsystem) Start(ctx context.Context, myEntries []Entry, descriptors []DescriptorView, rows map[int][]byte) error {
	s.mu.Lock()
	s.descriptors = descriptors
	s.rows = rows
	sh := s.shuffle
	s.mu.Unlock()

	if sh == nil {
		return errors.New("blame: shuffle round was never prepared")
	}
	return sh.Start(ctx, EncodeEntries(myEntries))
}

// IncomingData forwards blame-tagged wire traffic into the underlying
// shuffle.
func (s *Subsystem) IncomingData(ctx context.Context, from group.ID, payload []byte) error {
	s.mu.Lock()
	sh := s.shuffle
	s.mu.Unlock()
	if sh == nil {
		return errors.New("blame: shuffle round was never prepared")
	}
	return sh.IncomingData(ctx, from, payload)
}

func (s *Subsystem) onShuffleFinished(items [][]byte) {
	s.mu.Lock()
	descriptors := s.descriptors
	rows := s.rows
	roundID := s.roundID
	hashFn := s.hashFn
	cb := s.onFinished
	s.mu.Unlock()

	var all []Entry
	for _, item := range items {
		decoded, err := DecodeEntries(item)
		if err != nil {
			continue // a malformed disclosure batch simply contributes no accusation
		}
		all = append(all, decoded...)
	}

	bad := ProcessBlame(all, descriptors, rows, roundID, hashFn)
	if cb != nil {
		cb(bad)
	}
}

type cellKey struct{ slot, peer int }

// ProcessBlame cross-checks every disclosed DH secret against the
// descriptor's published commitment and the row actually transmitted for
// that cell, per spec.md §4.6 step 3, and returns the group indexes found
// responsible.
//
// A cell can fail for three distinct reasons the disclosures and the
// reassembled cleartext let us tell apart: the transmitting peer sent bytes
// that don't match its own commitment (attributable directly once the real
// mask is known), the slot's owner published a per-cell commitment that
// doesn't match the real DH secret in the first place (attributable to
// whichever disclosure claims slot ownership for that cell, i.e. PeerIndex
// != AccuserIndex), or every cell in a slot checks out yet the owner's
// claimed cleartext_hash still doesn't match the XOR of those cells — a
// pure lie about the slot's own content, attributable to the owner the
// same way.
func ProcessBlame(entries []Entry, descriptors []DescriptorView, rows map[int][]byte, roundID uint64, hashFn func([]byte) []byte) []int {
	offsets := make([]int, len(descriptors))
	total := 0
	for i, d := range descriptors {
		offsets[i] = total
		total += d.Length
	}

	byCell := make(map[cellKey][]Entry)
	for _, e := range entries {
		if e.DescriptorIndex < 0 || e.DescriptorIndex >= len(descriptors) {
			continue
		}
		if e.PeerIndex < 0 || e.PeerIndex >= len(descriptors[e.DescriptorIndex].XorHashes) {
			continue
		}
		key := cellKey{e.DescriptorIndex, e.PeerIndex}
		byCell[key] = append(byCell[key], e)
	}

	bad := make(map[int]bool)
	dirtySlots := make(map[int]bool)

	for key, cellEntries := range byCell {
		slot, peer := key.slot, key.peer
		d := descriptors[slot]
		if peer >= len(d.XorHashes) {
			continue
		}
		commitment := d.XorHashes[peer]

		var consensus []byte
		disagree := false
		for _, e := range cellEntries {
			mask := e.SharedSecret.Keystream(roundID, 0, d.Length)
			h := hashFn(mask)
			if consensus == nil {
				consensus = h
			} else if !bytes.Equal(consensus, h) {
				disagree = true
			}
		}

		if disagree {
			// The two sides of the same DH secret disagree: at least one
			// discloser lied about it. Neither side's word alone settles
			// which, so both accusers for this cell are blamed.
			dirtySlots[slot] = true
			for _, e := range cellEntries {
				bad[e.AccuserIndex] = true
			}
			continue
		}
		if consensus == nil {
			continue
		}

		if !bytes.Equal(consensus, commitment) {
			dirtySlots[slot] = true
			blamedOwner := false
			for _, e := range cellEntries {
				if e.PeerIndex != e.AccuserIndex {
					bad[e.AccuserIndex] = true
					blamedOwner = true
				}
			}
			if !blamedOwner {
				// No slot-owner disclosure reached us for this cell; there
				// is nothing left to attribute it to.
				continue
			}
			continue
		}

		row, ok := rows[peer]
		offset := offsets[slot]
		if !ok || len(row) < offset+d.Length || !bytes.Equal(hashFn(row[offset:offset+d.Length]), commitment) {
			dirtySlots[slot] = true
			bad[peer] = true
		}
	}

	// Every cell in a slot can check out individually while the owner's
	// cleartext_hash claim is still false — the owner is the only party who
	// knows the real plaintext behind a slot, so this is attributable to
	// them alone. Skip slots a cell-level check already explained; the XOR
	// reassembled from a slot with a known-bad cell carries no signal.
	for s, d := range descriptors {
		if len(d.CleartextHash) == 0 || dirtySlots[s] {
			continue
		}
		offset := offsets[s]
		acc := make([]byte, d.Length)
		complete := true
		for i := 0; i < len(d.XorHashes); i++ {
			row, ok := rows[i]
			if !ok || len(row) < offset+d.Length {
				complete = false
				break
			}
			if err := crypto.XorInplace(acc, row[offset:offset+d.Length]); err != nil {
				complete = false
				break
			}
		}
		if !complete || bytes.Equal(hashFn(acc), d.CleartextHash) {
			continue
		}

		owner := -1
		for _, e := range entries {
			if e.DescriptorIndex == s && e.PeerIndex != e.AccuserIndex {
				owner = e.AccuserIndex
				break
			}
		}
		if owner >= 0 {
			bad[owner] = true
		}
	}

	result := make([]int, 0, len(bad))
	for idx := range bad {
		result = append(result, idx)
	}
	sort.Ints(result)
	return result
}
