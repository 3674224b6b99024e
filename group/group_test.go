package group_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/adcnet/crypto"
	"github.com/flashbots/adcnet/group"
)

func newMember(t *testing.T, seed byte) group.Member {
	t.Helper()
	signPub := make([]byte, 32)
	signPub[0] = seed
	dhPub, _, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	return group.NewMember(crypto.NewPublicKeyFromBytes(signPub), dhPub)
}

func TestNewSortsAndDedups(t *testing.T) {
	a := newMember(t, 1)
	b := newMember(t, 2)
	c := newMember(t, 3)

	g1, err := group.New([]group.Member{c, a, b, a}, group.ZeroID, group.DisabledGroup, nil)
	require.NoError(t, err)
	require.Equal(t, 3, g1.Count())

	g2, err := group.New([]group.Member{a, b, c}, group.ZeroID, group.DisabledGroup, nil)
	require.NoError(t, err)

	require.True(t, g1.Equal(g2))
}

func TestNewIsPermutationInvariant(t *testing.T) {
	members := make([]group.Member, 5)
	for i := range members {
		members[i] = newMember(t, byte(i+1))
	}

	shuffled := append([]group.Member{}, members...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	g1, err := group.New(members, group.ZeroID, group.DisabledGroup, nil)
	require.NoError(t, err)
	g2, err := group.New(shuffled, group.ZeroID, group.DisabledGroup, nil)
	require.NoError(t, err)

	require.True(t, g1.Equal(g2))
}

func TestIndexBijection(t *testing.T) {
	members := make([]group.Member, 4)
	for i := range members {
		members[i] = newMember(t, byte(i+1))
	}
	g, err := group.New(members, group.ZeroID, group.DisabledGroup, nil)
	require.NoError(t, err)

	for i := 0; i < g.Count(); i++ {
		id := g.GetID(i)
		require.Equal(t, i, g.GetIndex(id))
	}
}

func TestNextPreviousCyclic(t *testing.T) {
	members := make([]group.Member, 3)
	for i := range members {
		members[i] = newMember(t, byte(i+1))
	}
	g, err := group.New(members, group.ZeroID, group.DisabledGroup, nil)
	require.NoError(t, err)

	last := g.GetID(g.Count() - 1)
	first := g.GetID(0)
	require.Equal(t, first, g.Next(last))
	require.Equal(t, last, g.Previous(first))
}

func TestUnknownIDReturnsSentinels(t *testing.T) {
	members := []group.Member{newMember(t, 1)}
	g, err := group.New(members, group.ZeroID, group.DisabledGroup, nil)
	require.NoError(t, err)

	unknown := group.ID{0xff}
	require.Equal(t, -1, g.GetIndex(unknown))
	require.Equal(t, group.ZeroID, g.Next(unknown))
	require.Nil(t, g.GetKey(unknown))
	require.Equal(t, crypto.KemPublicKey{}, g.GetPublicDH(unknown))
}

func TestRoundTripEncoding(t *testing.T) {
	members := make([]group.Member, 4)
	for i := range members {
		members[i] = newMember(t, byte(i+10))
	}
	leader := members[1].ID
	g, err := group.New(members, leader, group.CompleteGroup, nil)
	require.NoError(t, err)

	encoded, err := g.MarshalBinary()
	require.NoError(t, err)

	decoded, err := group.UnmarshalBinary(encoded)
	require.NoError(t, err)

	require.True(t, g.Equal(decoded))
}

func TestFixedSubgroupRoundTrip(t *testing.T) {
	members := make([]group.Member, 5)
	for i := range members {
		members[i] = newMember(t, byte(i+20))
	}
	inner, err := group.New(members[:2], group.ZeroID, group.DisabledGroup, nil)
	require.NoError(t, err)

	outer, err := group.New(members, group.ZeroID, group.FixedSubgroup, inner)
	require.NoError(t, err)

	encoded, err := outer.MarshalBinary()
	require.NoError(t, err)
	decoded, err := group.UnmarshalBinary(encoded)
	require.NoError(t, err)

	require.True(t, outer.Equal(decoded))
}

func TestFixedSubgroupMustBeSubset(t *testing.T) {
	members := make([]group.Member, 2)
	for i := range members {
		members[i] = newMember(t, byte(i+30))
	}
	outsider := newMember(t, 99)
	inner, err := group.New([]group.Member{outsider}, group.ZeroID, group.DisabledGroup, nil)
	require.NoError(t, err)

	_, err = group.New(members, group.ZeroID, group.FixedSubgroup, inner)
	require.ErrorIs(t, err, group.ErrSubgroupNotSubset)
}

func TestAddRemoveMember(t *testing.T) {
	members := make([]group.Member, 3)
	for i := range members {
		members[i] = newMember(t, byte(i+40))
	}
	g, err := group.New(members, group.ZeroID, group.DisabledGroup, nil)
	require.NoError(t, err)

	extra := newMember(t, 200)
	g2, err := g.AddMember(extra)
	require.NoError(t, err)
	require.Equal(t, g.Count()+1, g2.Count())
	require.True(t, g2.Contains(extra.ID))

	g3, err := g2.RemoveMember(extra.ID)
	require.NoError(t, err)
	require.True(t, g.Equal(g3))
}

func TestLeaderMustBeOnRoster(t *testing.T) {
	members := []group.Member{newMember(t, 1)}
	unknown := group.ID{0xaa}
	_, err := group.New(members, unknown, group.DisabledGroup, nil)
	require.ErrorIs(t, err, group.ErrUnknownLeader)
}

func TestDifference(t *testing.T) {
	a := newMember(t, 1)
	b := newMember(t, 2)
	c := newMember(t, 3)

	g1, err := group.New([]group.Member{a, b}, group.ZeroID, group.DisabledGroup, nil)
	require.NoError(t, err)
	g2, err := group.New([]group.Member{b, c}, group.ZeroID, group.DisabledGroup, nil)
	require.NoError(t, err)

	lost, gained := group.Difference(g1, g2)
	require.Len(t, lost, 1)
	require.Equal(t, a.ID, lost[0].ID)
	require.Len(t, gained, 1)
	require.Equal(t, c.ID, gained[0].ID)
}
