package group

import (
	"errors"
	"slices"

	"github.com/flashbots/adcnet/crypto"
)

// ID is a fixed-size, comparable peer identifier derived from a peer's
// signing public key (crypto.DeriveID). Using a fixed-size value rather
// than the variable-length PublicKey lets it serve as a roster sort key
// and a map key without further hashing.
type ID [32]byte

// ZeroID is the designated "absent" identifier returned by lookups that
// fail to find a matching member, replacing the shared "null key"
// singleton pattern with a type-level absent value.
var ZeroID = ID{}

// IsZero reports whether id is the absent sentinel.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// Member is a named record for one roster entry, replacing the ad-hoc
// (PeerId, AsymmetricPublicKey, DhPublic) triple with a Go struct.
type Member struct {
	ID         ID
	SigningKey crypto.PublicKey
	DHKey      crypto.KemPublicKey
}

// NewMember derives a Member's ID from its signing key.
func NewMember(signingKey crypto.PublicKey, dhKey crypto.KemPublicKey) Member {
	return Member{
		ID:         ID(crypto.DeriveID(signingKey)),
		SigningKey: signingKey,
		DHKey:      dhKey,
	}
}

// SubgroupPolicy controls whether and how a Group carries an inner
// subgroup used for optional leader-aggregation scoping.
type SubgroupPolicy uint8

const (
	// DisabledGroup indicates the Group carries no subgroup.
	DisabledGroup SubgroupPolicy = iota
	// CompleteGroup indicates the subgroup is the Group itself.
	CompleteGroup
	// FixedSubgroup indicates an explicit, separately-constructed inner Group.
	FixedSubgroup
)

var (
	// ErrDuplicateMember is returned when a roster contains the same ID twice
	// with conflicting key material.
	ErrDuplicateMember = errors.New("group: duplicate member id with differing keys")
	// ErrUnknownLeader is returned when the configured leader is not on the roster.
	ErrUnknownLeader = errors.New("group: leader not present in roster")
	// ErrMissingSubgroup is returned when policy FixedSubgroup is given without a subgroup.
	ErrMissingSubgroup = errors.New("group: FixedSubgroup policy requires a subgroup")
	// ErrSubgroupNotSubset is returned when a FixedSubgroup's roster is not a subset of the outer roster.
	ErrSubgroupNotSubset = errors.New("group: subgroup is not a subset of the group")
)

// Group is an immutable, canonically-ordered roster of peers.
type Group struct {
	roster   []Member
	leader   ID
	policy   SubgroupPolicy
	index    map[ID]int
	subgroup *Group
}

func sortRoster(roster []Member) []Member {
	sorted := slices.Clone(roster)
	slices.SortFunc(sorted, func(a, b Member) int {
		if c := cmpBytes(a.ID[:], b.ID[:]); c != 0 {
			return c
		}
		if c := cmpBytes(a.SigningKey, b.SigningKey); c != 0 {
			return c
		}
		return cmpBytes(a.DHKey[:], b.DHKey[:])
	})
	return sorted
}

func cmpBytes(a, b []byte) int {
	return slices.Compare(a, b)
}

// New builds an immutable Group from an input roster: sorting it, removing
// exact duplicates, and rejecting a roster where one ID maps to two
// different key sets. policy and subgroup determine the inner Group:
// DisabledGroup ignores subgroup, CompleteGroup sets subgroup to the outer
// Group itself, and FixedSubgroup requires subgroup to be a subset of
// roster.
func New(roster []Member, leader ID, policy SubgroupPolicy, subgroup *Group) (*Group, error) {
	sorted := sortRoster(roster)

	deduped := make([]Member, 0, len(sorted))
	for i, m := range sorted {
		if i > 0 && m.ID == sorted[i-1].ID {
			if !slices.Equal(m.SigningKey, sorted[i-1].SigningKey) || m.DHKey != sorted[i-1].DHKey {
				return nil, ErrDuplicateMember
			}
			continue
		}
		deduped = append(deduped, m)
	}

	index := make(map[ID]int, len(deduped))
	for i, m := range deduped {
		index[m.ID] = i
	}

	if !leader.IsZero() {
		if _, ok := index[leader]; !ok {
			return nil, ErrUnknownLeader
		}
	}

	g := &Group{
		roster: deduped,
		leader: leader,
		policy: policy,
		index:  index,
	}

	switch policy {
	case DisabledGroup:
		// no subgroup
	case CompleteGroup:
		g.subgroup = g
	case FixedSubgroup:
		if subgroup == nil {
			return nil, ErrMissingSubgroup
		}
		for _, m := range subgroup.roster {
			if _, ok := index[m.ID]; !ok {
				return nil, ErrSubgroupNotSubset
			}
		}
		g.subgroup = subgroup
	}

	return g, nil
}

// Count returns the number of members in the roster.
func (g *Group) Count() int {
	return len(g.roster)
}

// Leader returns the Group's designated leader, or ZeroID for leaderless groups.
func (g *Group) Leader() ID {
	return g.leader
}

// Policy returns the Group's subgroup policy.
func (g *Group) Policy() SubgroupPolicy {
	return g.policy
}

// Subgroup returns the inner Group, or nil when policy is DisabledGroup.
func (g *Group) Subgroup() *Group {
	return g.subgroup
}

// Contains reports whether id is present in the roster.
func (g *Group) Contains(id ID) bool {
	_, ok := g.index[id]
	return ok
}

// GetIndex returns id's position in the sorted roster, or -1 if absent.
func (g *Group) GetIndex(id ID) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// GetID returns the ID at roster position i, or ZeroID if i is out of range.
func (g *Group) GetID(i int) ID {
	if i < 0 || i >= len(g.roster) {
		return ZeroID
	}
	return g.roster[i].ID
}

// GetMember returns the Member for id and whether it was found.
func (g *Group) GetMember(id ID) (Member, bool) {
	i, ok := g.index[id]
	if !ok {
		return Member{}, false
	}
	return g.roster[i], true
}

// GetKey returns id's signing public key, or a nil (empty) key if absent.
// Callers must treat a nil result as absence, not as valid material.
func (g *Group) GetKey(id ID) crypto.PublicKey {
	m, ok := g.GetMember(id)
	if !ok {
		return nil
	}
	return m.SigningKey
}

// GetKeyAt returns the signing public key of the member at roster position i.
func (g *Group) GetKeyAt(i int) crypto.PublicKey {
	if i < 0 || i >= len(g.roster) {
		return nil
	}
	return g.roster[i].SigningKey
}

// GetPublicDH returns id's DH public key, or the zero value if absent.
func (g *Group) GetPublicDH(id ID) crypto.KemPublicKey {
	m, ok := g.GetMember(id)
	if !ok {
		return crypto.KemPublicKey{}
	}
	return m.DHKey
}

// GetPublicDHAt returns the DH public key of the member at roster position i.
func (g *Group) GetPublicDHAt(i int) crypto.KemPublicKey {
	if i < 0 || i >= len(g.roster) {
		return crypto.KemPublicKey{}
	}
	return g.roster[i].DHKey
}

// Next returns the ID cyclically following id in the sorted roster.
// Returns ZeroID if id is not present.
func (g *Group) Next(id ID) ID {
	i, ok := g.index[id]
	if !ok {
		return ZeroID
	}
	return g.roster[(i+1)%len(g.roster)].ID
}

// Previous returns the ID cyclically preceding id in the sorted roster.
// Returns ZeroID if id is not present.
func (g *Group) Previous(id ID) ID {
	i, ok := g.index[id]
	if !ok {
		return ZeroID
	}
	return g.roster[(i-1+len(g.roster))%len(g.roster)].ID
}

// Members returns a copy of the sorted roster.
func (g *Group) Members() []Member {
	return slices.Clone(g.roster)
}

// Equal reports whether g and o have the same roster, leader, and policy.
// Subgroup membership is compared by roster equality, not pointer identity.
func (g *Group) Equal(o *Group) bool {
	if g == nil || o == nil {
		return g == o
	}
	if g.leader != o.leader || g.policy != o.policy {
		return false
	}
	if len(g.roster) != len(o.roster) {
		return false
	}
	for i := range g.roster {
		if g.roster[i].ID != o.roster[i].ID ||
			!g.roster[i].SigningKey.Equal(o.roster[i].SigningKey) ||
			g.roster[i].DHKey != o.roster[i].DHKey {
			return false
		}
	}
	switch g.policy {
	case DisabledGroup:
		return true
	case CompleteGroup:
		return true
	case FixedSubgroup:
		return g.subgroup.Equal(o.subgroup)
	}
	return true
}

// IsSubsetOf reports whether every member of g is present in o.
func (g *Group) IsSubsetOf(o *Group) bool {
	for _, m := range g.roster {
		if !o.Contains(m.ID) {
			return false
		}
	}
	return true
}

// AddMember returns a new Group with m added to the roster.
func (g *Group) AddMember(m Member) (*Group, error) {
	roster := append(slices.Clone(g.roster), m)
	return New(roster, g.leader, g.policy, g.subgroupForRebuild())
}

// RemoveMember returns a new Group with id removed from the roster.
func (g *Group) RemoveMember(id ID) (*Group, error) {
	roster := make([]Member, 0, len(g.roster))
	for _, m := range g.roster {
		if m.ID != id {
			roster = append(roster, m)
		}
	}
	leader := g.leader
	if leader == id {
		leader = ZeroID
	}
	return New(roster, leader, g.policy, g.subgroupForRebuild())
}

func (g *Group) subgroupForRebuild() *Group {
	if g.policy == FixedSubgroup {
		return g.subgroup
	}
	return nil
}

// Difference computes the set difference between two rosters: members
// present in old but not new ("lost"), and members present in new but not
// old ("gained").
func Difference(old, new *Group) (lost, gained []Member) {
	for _, m := range old.roster {
		if !new.Contains(m.ID) {
			lost = append(lost, m)
		}
	}
	for _, m := range new.roster {
		if !old.Contains(m.ID) {
			gained = append(gained, m)
		}
	}
	return lost, gained
}
