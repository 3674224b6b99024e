package shuffle

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/flashbots/adcnet/crypto"
	"github.com/flashbots/adcnet/group"
)

// State is the shuffle's lifecycle, mirroring the narrow Start/IncomingData/
// GetBadMembers/state interface BulkRound drives any round through.
type State int

const (
	Idle State = iota
	Running
	Finished
	Aborted
)

// Network is the minimal transport a Round needs: authenticated point-to-
// point delivery to the next peer in the chain, and a broadcast for the
// final result. spec.md §6 leaves the transport itself out of scope.
type Network interface {
	SendTo(ctx context.Context, to group.ID, payload []byte) error
	Broadcast(ctx context.Context, payload []byte) error
}

const (
	tagBatch  byte = 1
	tagResult byte = 2
)

// Round runs one instance of the sequential onion shuffle for the local
// peer identified by self within g.
type Round struct {
	mu sync.Mutex

	g    *group.Group
	self group.ID
	priv crypto.KemPrivateKey
	net  Network

	state   State
	myInput []byte
	onDone  func(items [][]byte)
	onAbort func(err error)

	// pendingBatch holds a predecessor's batch that arrived before Start
	// supplied this peer's own input, mirroring BulkRound's offline_log
	// (spec.md §4.4): arrival order is preserved, processing just waits.
	hasPending   bool
	pendingBatch [][]byte

	badMembers []int
}

// New constructs a Round. priv is the local peer's static KemPrivateKey,
// matching the public DHKey it published in g's roster.
func New(g *group.Group, self group.ID, priv crypto.KemPrivateKey, net Network) *Round {
	return &Round{g: g, self: self, priv: priv, net: net, state: Idle}
}

// OnFinished registers the callback invoked with the final permuted,
// decrypted vector of inputs once the last peer has broadcast it.
func (r *Round) OnFinished(f func(items [][]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDone = f
}

// OnAborted registers the callback invoked if the shuffle cannot proceed.
func (r *Round) OnAborted(f func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAbort = f
}

// GetState returns the shuffle's current state.
func (r *Round) GetState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// GetBadMembers returns group indexes of peers who submitted malformed
// shuffle traffic, if any were detected locally.
func (r *Round) GetBadMembers() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int{}, r.badMembers...)
}

// Start submits myInput into the shuffle. If the local peer is first in
// roster order, it seeds the batch; otherwise it waits for IncomingData
// from its predecessor.
func (r *Round) Start(ctx context.Context, myInput []byte) error {
	r.mu.Lock()
	r.state = Running
	r.myInput = myInput
	pending, hadPending := r.pendingBatch, r.hasPending
	r.hasPending = false
	r.pendingBatch = nil
	r.mu.Unlock()

	idx := r.g.GetIndex(r.self)
	if idx < 0 {
		return r.abort(fmt.Errorf("shuffle: local peer %x not in group", r.self))
	}

	if hadPending {
		return r.advance(ctx, idx, pending)
	}
	if idx != 0 {
		return nil
	}

	return r.advance(ctx, idx, nil)
}

// IncomingData processes the batch handed off by the predecessor peer, or
// the final broadcast result from the last peer in the chain.
func (r *Round) IncomingData(ctx context.Context, from group.ID, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("shuffle: empty message")
	}

	switch payload[0] {
	case tagResult:
		items, err := decodeBatch(payload[1:])
		if err != nil {
			return r.abort(fmt.Errorf("shuffle: malformed result from %x: %w", from, err))
		}
		r.finish(items)
		return nil

	case tagBatch:
		idx := r.g.GetIndex(r.self)
		if idx < 0 {
			return r.abort(fmt.Errorf("shuffle: local peer %x not in group", r.self))
		}
		predecessor := r.g.Previous(r.self)
		if from != predecessor {
			r.mu.Lock()
			fromIdx := r.g.GetIndex(from)
			if fromIdx >= 0 {
				r.badMembers = append(r.badMembers, fromIdx)
			}
			r.mu.Unlock()
			return fmt.Errorf("shuffle: batch from unexpected sender %x", from)
		}
		items, err := decodeBatch(payload[1:])
		if err != nil {
			return r.abort(fmt.Errorf("shuffle: malformed batch from %x: %w", from, err))
		}

		r.mu.Lock()
		notStarted := r.state == Idle
		if notStarted {
			r.hasPending = true
			r.pendingBatch = items
		}
		r.mu.Unlock()
		if notStarted {
			return nil
		}
		return r.advance(ctx, idx, items)

	default:
		return fmt.Errorf("shuffle: unknown message tag %d", payload[0])
	}
}

// advance runs this peer's turn: it peels one onion layer from every item
// inherited from the predecessor, appends this peer's own contribution
// (encrypted for every peer still downstream), permutes the batch, and
// either forwards it to the next peer or, at the last index, finalizes and
// broadcasts the fully-decrypted result.
func (r *Round) advance(ctx context.Context, idx int, inherited [][]byte) error {
	n := r.g.Count()

	peeled := make([][]byte, 0, len(inherited))
	for _, item := range inherited {
		if idx == 0 {
			// Index 0 never receives a batch to peel; nothing to do.
			peeled = append(peeled, item)
			continue
		}
		plain, err := crypto.DecryptFromKem(r.priv, item)
		if err != nil {
			return r.abort(fmt.Errorf("shuffle: failed to peel layer at index %d: %w", idx, err))
		}
		peeled = append(peeled, plain)
	}

	r.mu.Lock()
	own := r.myInput
	r.mu.Unlock()
	if own == nil {
		return r.abort(errors.New("shuffle: no local input available for this peer's turn"))
	}

	encodedOwn, err := encryptForRemainder(r.g, idx, n, own)
	if err != nil {
		return r.abort(fmt.Errorf("shuffle: encrypting own contribution: %w", err))
	}
	peeled = append(peeled, encodedOwn)

	if err := permute(peeled); err != nil {
		return r.abort(err)
	}

	if idx == n-1 {
		result := encodeBatch(peeled)
		msg := append([]byte{tagResult}, result...)
		if err := r.net.Broadcast(ctx, msg); err != nil {
			return fmt.Errorf("shuffle: broadcasting result: %w", err)
		}
		r.finish(peeled)
		return nil
	}

	next := r.g.GetID(idx + 1)
	msg := append([]byte{tagBatch}, encodeBatch(peeled)...)
	if err := r.net.SendTo(ctx, next, msg); err != nil {
		return fmt.Errorf("shuffle: forwarding batch: %w", err)
	}
	return nil
}

func (r *Round) abort(err error) error {
	r.mu.Lock()
	r.state = Aborted
	cb := r.onAbort
	r.mu.Unlock()
	if cb != nil {
		cb(err)
	}
	return err
}

func (r *Round) finish(items [][]byte) {
	r.mu.Lock()
	if r.state == Finished {
		r.mu.Unlock()
		return
	}
	r.state = Finished
	cb := r.onDone
	r.mu.Unlock()
	if cb != nil {
		cb(items)
	}
}

// encryptForRemainder wraps plaintext in onion layers for peers
// idx+1..n-1, applied innermost-first so that peer idx+1's layer is
// outermost and is peeled first as the item travels forward.
func encryptForRemainder(g *group.Group, idx, n int, plaintext []byte) ([]byte, error) {
	ct := append([]byte{}, plaintext...)
	for p := n - 1; p > idx; p-- {
		pub := g.GetPublicDHAt(p)
		wrapped, err := crypto.EncryptToKem(pub, ct)
		if err != nil {
			return nil, err
		}
		ct = wrapped
	}
	return ct, nil
}

func permute(items [][]byte) error {
	for i := len(items) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("shuffle: permuting batch: %w", err)
		}
		j := int(jBig.Int64())
		items[i], items[j] = items[j], items[i]
	}
	return nil
}

func encodeBatch(items [][]byte) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(items)))
	for _, item := range items {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(item)))
		out = append(out, item...)
	}
	return out
}

func decodeBatch(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, errors.New("shuffle: truncated batch count")
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]

	items := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, errors.New("shuffle: truncated item length")
		}
		n := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint64(len(data)) < uint64(n) {
			return nil, errors.New("shuffle: truncated item body")
		}
		items = append(items, append([]byte{}, data[:n]...))
		data = data[n:]
	}
	return items, nil
}
