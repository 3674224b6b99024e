package blame_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/adcnet/blame"
	"github.com/flashbots/adcnet/crypto"
)

func TestProcessBlameAttributesTransmitter(t *testing.T) {
	const roundID = uint64(7)
	length := 8

	ownerPub, ownerPriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	require.NotEqual(t, crypto.KemPublicKey{}, ownerPub)
	peerStaticPub, peerStaticPriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)

	// Owner (slot 0, group index 0) and peer (group index 1) derive the
	// same secret for cell (slot 0, peer 1) from opposite ends of the DH
	// exchange.
	ownerSide, err := crypto.DeriveAnonSharedSecret(ownerPriv, peerStaticPub, roundID, 0)
	require.NoError(t, err)
	peerSide, err := crypto.DeriveAnonSharedSecret(peerStaticPriv, ownerPub, roundID, 0)
	require.NoError(t, err)
	require.Equal(t, ownerSide, peerSide)

	mask := ownerSide.Keystream(roundID, 0, length)
	commitment := crypto.Hash(mask)

	descriptors := []blame.DescriptorView{
		{Length: length, XorHashes: [][]byte{crypto.Hash([]byte("slot0-self")), commitment}},
	}

	// Peer 1 transmitted garbage instead of the real masked contribution.
	badRow := make([]byte, length)
	rows := map[int][]byte{1: badRow}

	entries := []blame.Entry{
		// The transmitting peer discloses its own secret honestly.
		{DescriptorIndex: 0, PeerIndex: 1, AccuserIndex: 1, SharedSecret: peerSide},
	}

	bad := blame.ProcessBlame(entries, descriptors, rows, roundID, crypto.Hash)
	require.Equal(t, []int{1}, bad)
}

func TestProcessBlameAttributesFalseCommitmentToSlotOwner(t *testing.T) {
	const roundID = uint64(9)
	length := 4

	ownerPub, ownerPriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	peerStaticPub, peerStaticPriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)

	realSecret, err := crypto.DeriveAnonSharedSecret(peerStaticPriv, ownerPub, roundID, 0)
	require.NoError(t, err)
	ownerSecret, err := crypto.DeriveAnonSharedSecret(ownerPriv, peerStaticPub, roundID, 0)
	require.NoError(t, err)
	require.Equal(t, realSecret, ownerSecret)

	realMask := realSecret.Keystream(roundID, 0, length)

	// The slot owner (group index 0) published a commitment for peer 1's
	// cell that doesn't match the real DH secret at all.
	falseCommitment := crypto.Hash([]byte("not-the-real-mask"))
	descriptors := []blame.DescriptorView{
		{Length: length, XorHashes: [][]byte{crypto.Hash([]byte("slot0-self")), falseCommitment}},
	}

	// Peer 1 actually transmitted the correct masked bytes for the real
	// secret; only the published commitment was false.
	row := realMask
	rows := map[int][]byte{1: row}

	entries := []blame.Entry{
		// Peer 1 discloses its own secret honestly.
		{DescriptorIndex: 0, PeerIndex: 1, AccuserIndex: 1, SharedSecret: realSecret},
		// The slot owner (group index 0) discloses what it computed for
		// peer 1's cell, agreeing with peer 1's disclosure.
		{DescriptorIndex: 0, PeerIndex: 1, AccuserIndex: 0, SharedSecret: ownerSecret},
	}

	bad := blame.ProcessBlame(entries, descriptors, rows, roundID, crypto.Hash)
	require.Equal(t, []int{0}, bad)
}

func TestProcessBlameAttributesFalseCleartextHashToSlotOwner(t *testing.T) {
	const roundID = uint64(11)
	length := 4

	ownerPub, ownerPriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	peerStaticPub, peerStaticPriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)

	ownerSide, err := crypto.DeriveAnonSharedSecret(ownerPriv, peerStaticPub, roundID, 0)
	require.NoError(t, err)
	peerSide, err := crypto.DeriveAnonSharedSecret(peerStaticPriv, ownerPub, roundID, 0)
	require.NoError(t, err)
	require.Equal(t, ownerSide, peerSide)

	mask := ownerSide.Keystream(roundID, 0, length)
	ownContribution := []byte("own!")

	descriptors := []blame.DescriptorView{
		{
			Length:        length,
			XorHashes:     [][]byte{crypto.Hash(ownContribution), crypto.Hash(mask)},
			CleartextHash: crypto.Hash([]byte("not-the-real-cleartext")),
		},
	}

	// Every transmitted cell matches its published commitment; the owner
	// simply lied about what cleartext_hash the reassembled slot commits to.
	rows := map[int][]byte{
		0: ownContribution,
		1: mask,
	}

	entries := []blame.Entry{
		// Peer 1 discloses its own secret honestly.
		{DescriptorIndex: 0, PeerIndex: 1, AccuserIndex: 1, SharedSecret: peerSide},
		// The slot owner (group index 0) discloses peer 1's cell, agreeing
		// with peer 1's own disclosure. It never discloses anything for its
		// own cell (index 0): that commitment hashes the cleartext directly,
		// not a DH secret, so there is nothing to disclose there.
		{DescriptorIndex: 0, PeerIndex: 1, AccuserIndex: 0, SharedSecret: ownerSide},
	}

	bad := blame.ProcessBlame(entries, descriptors, rows, roundID, crypto.Hash)
	require.Equal(t, []int{0}, bad)
}

func TestProcessBlameBlamesBothOnDisagreement(t *testing.T) {
	const roundID = uint64(3)
	length := 4

	_, priv1, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	pub2, _, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)

	secretA, err := crypto.DeriveAnonSharedSecret(priv1, pub2, roundID, 0)
	require.NoError(t, err)

	_, priv3, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	pub4, _, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	secretB, err := crypto.DeriveAnonSharedSecret(priv3, pub4, roundID, 0)
	require.NoError(t, err)

	require.NotEqual(t, secretA, secretB)

	descriptors := []blame.DescriptorView{
		{Length: length, XorHashes: [][]byte{crypto.Hash([]byte("x")), crypto.Hash([]byte("y"))}},
	}
	rows := map[int][]byte{1: make([]byte, length)}

	entries := []blame.Entry{
		{DescriptorIndex: 0, PeerIndex: 1, AccuserIndex: 1, SharedSecret: secretA},
		{DescriptorIndex: 0, PeerIndex: 1, AccuserIndex: 0, SharedSecret: secretB},
	}

	bad := blame.ProcessBlame(entries, descriptors, rows, roundID, crypto.Hash)
	require.ElementsMatch(t, []int{0, 1}, bad)
}

func TestProcessBlameIgnoresOutOfRangeEntries(t *testing.T) {
	descriptors := []blame.DescriptorView{
		{Length: 4, XorHashes: [][]byte{crypto.Hash([]byte("a"))}},
	}
	entries := []blame.Entry{
		{DescriptorIndex: 5, PeerIndex: 0, AccuserIndex: 0},
		{DescriptorIndex: 0, PeerIndex: 9, AccuserIndex: 0},
	}
	bad := blame.ProcessBlame(entries, descriptors, map[int][]byte{}, 1, crypto.Hash)
	require.Empty(t, bad)
}

func TestEncodeDecodeEntriesRoundTrip(t *testing.T) {
	_, priv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	pub, _, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	secret, err := crypto.DeriveAnonSharedSecret(priv, pub, 42, 0)
	require.NoError(t, err)

	entries := []blame.Entry{
		{DescriptorIndex: 1, PeerIndex: 2, AccuserIndex: 3, SharedSecret: secret},
		{DescriptorIndex: 0, PeerIndex: 0, AccuserIndex: 0, SharedSecret: secret},
	}

	encoded := blame.EncodeEntries(entries)
	decoded, err := blame.DecodeEntries(encoded)
	require.NoError(t, err)
	require.Equal(t, entries, decoded)
}

func TestDecodeEntriesRejectsTruncated(t *testing.T) {
	_, err := blame.DecodeEntries([]byte{1, 2, 3})
	require.Error(t, err)
}
