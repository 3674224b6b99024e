// Package testutil provides shared fixtures for the registry and peer test
// suites: generating groups of test peers, deterministic in-memory
// transports, and a data-source stand-in.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/flashbots/adcnet/crypto"
	"github.com/flashbots/adcnet/group"
)

// TestPeer bundles one participant's key material with its group.Member.
type TestPeer struct {
	Member      group.Member
	SigningPriv crypto.PrivateKey
	DHPriv      crypto.KemPrivateKey
}

// GenerateTestPeers creates n peers with fresh Ed25519 signing keys and
// X25519 DH keys, ready to build a group.Group from.
func GenerateTestPeers(n int) ([]TestPeer, error) {
	peers := make([]TestPeer, n)
	for i := 0; i < n; i++ {
		signingPub, signingPriv, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("testutil: generating signing key %d: %w", i, err)
		}
		dhPub, dhPriv, err := crypto.GenerateKemKeyPair()
		if err != nil {
			return nil, fmt.Errorf("testutil: generating DH key %d: %w", i, err)
		}
		peers[i] = TestPeer{
			Member:      group.NewMember(signingPub, dhPub),
			SigningPriv: signingPriv,
			DHPriv:      dhPriv,
		}
	}
	return peers, nil
}

// BuildTestGroup constructs a leaderless, subgroup-disabled group.Group
// from peers, with leader set to peers[leaderIdx] when leaderIdx >= 0.
func BuildTestGroup(peers []TestPeer, leaderIdx int) (*group.Group, error) {
	roster := make([]group.Member, len(peers))
	for i, p := range peers {
		roster[i] = p.Member
	}
	leader := group.ZeroID
	if leaderIdx >= 0 {
		leader = peers[leaderIdx].Member.ID
	}
	return group.New(roster, leader, group.DisabledGroup, nil)
}

// StaticDataSource always returns the same cleartext, hashed with
// crypto.Hash — the default DataSource for tests that don't need per-round
// content.
type StaticDataSource struct {
	Message []byte
}

func (s StaticDataSource) Cleartext(ctx context.Context, roundID uint64) ([]byte, error) {
	return append([]byte{}, s.Message...), nil
}

func (s StaticDataSource) Hash(data []byte) []byte {
	return crypto.Hash(data)
}

type networkHandler func(ctx context.Context, from group.ID, payload []byte) error

// networkRegistry is the shared state behind a set of InMemoryNetworks, held
// by pointer so none of them ever copies the mutex.
type networkRegistry struct {
	mu       sync.Mutex
	handlers map[group.ID]networkHandler
}

// InMemoryNetwork routes SendTo/Broadcast calls between a fixed set of
// registered handlers, simulating a fully-connected authenticated
// transport without any real network I/O.
type InMemoryNetwork struct {
	reg     *networkRegistry
	self    group.ID
	members []group.ID
}

// NewInMemoryNetworkSet builds one InMemoryNetwork per member of ids,
// all sharing the same handler registry so messages sent from any one of
// them reach the others synchronously.
func NewInMemoryNetworkSet(ids []group.ID) map[group.ID]*InMemoryNetwork {
	reg := &networkRegistry{handlers: make(map[group.ID]networkHandler)}
	nets := make(map[group.ID]*InMemoryNetwork, len(ids))
	for _, id := range ids {
		nets[id] = &InMemoryNetwork{reg: reg, self: id, members: ids}
	}
	return nets
}

// OnReceive registers the handler invoked when another peer sends this
// network's owner a message.
func (n *InMemoryNetwork) OnReceive(f networkHandler) {
	n.reg.mu.Lock()
	defer n.reg.mu.Unlock()
	n.reg.handlers[n.self] = f
}

func (n *InMemoryNetwork) SendTo(ctx context.Context, to group.ID, payload []byte) error {
	n.reg.mu.Lock()
	h := n.reg.handlers[to]
	n.reg.mu.Unlock()
	if h == nil {
		return fmt.Errorf("testutil: no handler registered for %x", to)
	}
	return h(ctx, n.self, payload)
}

func (n *InMemoryNetwork) Broadcast(ctx context.Context, payload []byte) error {
	n.reg.mu.Lock()
	handlers := make(map[group.ID]networkHandler, len(n.reg.handlers))
	for id, h := range n.reg.handlers {
		handlers[id] = h
	}
	n.reg.mu.Unlock()

	for _, id := range n.members {
		if id == n.self {
			continue
		}
		h := handlers[id]
		if h == nil {
			continue
		}
		if err := h(ctx, n.self, payload); err != nil {
			return err
		}
	}
	return nil
}
