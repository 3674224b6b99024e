package protocol

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flashbots/adcnet/blame"
	"github.com/flashbots/adcnet/crypto"
	"github.com/flashbots/adcnet/group"
	"github.com/flashbots/adcnet/metrics"
)

// State is a BulkRound's position in the state machine spec.md §4.5
// describes: Offline, then Shuffling, then DataSharing, with an optional
// ReceivingLeaderData/ProcessingLeaderData detour when leader-aggregation
// is enabled, ending in Finished or Aborted.
type State int

const (
	Offline State = iota
	Shuffling
	DataSharing
	ReceivingLeaderData
	ProcessingLeaderData
	Finished
	Aborted
)

func (s State) String() string {
	switch s {
	case Offline:
		return "Offline"
	case Shuffling:
		return "Shuffling"
	case DataSharing:
		return "DataSharing"
	case ReceivingLeaderData:
		return "ReceivingLeaderData"
	case ProcessingLeaderData:
		return "ProcessingLeaderData"
	case Finished:
		return "Finished"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// maskSlot is the fixed domain separator every mask/keystream derivation in
// this package passes to crypto.DeriveAnonSharedSecret and SharedKey.Keystream.
//
// spec.md §4.3 has the slot-owning peer publish per-cell hash commitments
// at descriptor time, before the shuffle runs — but a descriptor's final
// positional slot is only known once the shuffle finishes, so a positional
// integer cannot be the domain separator without the pre-shuffle author and
// the post-shuffle verifier disagreeing on it. Every round instead
// generates a fresh anonymous DH keypair (crypto.GenerateKemKeyPair), so the
// AnonDHPublic carried in the descriptor is already a unique, round-scoped
// value known identically to the author and to any verifier regardless of
// where the descriptor lands after shuffling. The integer slot parameter in
// the crypto package is therefore left at a constant here rather than
// removed from that lower-level, more general API.
const maskSlot = 0

// DataSource supplies the cleartext this peer contributes for the round,
// and the commitment hash used for descriptors, XOR cells, and blame
// disclosures.
type DataSource interface {
	Cleartext(ctx context.Context, roundID uint64) ([]byte, error)
	Hash(data []byte) []byte
}

// Network is the transport a BulkRound sends and receives bulk-data
// messages through. It is distinct from shuffle.Network only in name —
// BulkRound never imports package shuffle directly, driving it instead
// through ShuffleRound/ShuffleFactory below.
type Network interface {
	SendTo(ctx context.Context, to group.ID, payload []byte) error
	Broadcast(ctx context.Context, payload []byte) error
}

// ShuffleRound is the narrow interface BulkRound drives any shuffle
// collaborator through, matching shuffle.Round's shape structurally.
type ShuffleRound interface {
	Start(ctx context.Context, myInput []byte) error
	IncomingData(ctx context.Context, from group.ID, payload []byte) error
	OnFinished(func(items [][]byte))
	OnAborted(func(err error))
	GetBadMembers() []int
}

// ShuffleFactory constructs a fresh ShuffleRound for one participant.
// Network wiring is the caller's concern, not BulkRound's: a real
// transport routes shuffle traffic and bulk-data traffic over distinct
// endpoints (spec.md §4.5), so the Network a ShuffleRound sends through is
// closed over by the factory rather than threaded in by BulkRound.
type ShuffleFactory func(g *group.Group, self group.ID, priv crypto.KemPrivateKey) ShuffleRound

// BulkRoundConfig collects everything one BulkRound instance needs to run.
type BulkRoundConfig struct {
	Group        *group.Group
	Self         group.ID
	RoundID      uint64
	StaticDHPriv crypto.KemPrivateKey
	Source       DataSource
	Net          Network
	NewShuffle   ShuffleFactory
	// NewBlameShuffle mirrors NewShuffle but returns package blame's
	// ShuffleRound type; when nil, NewShuffle's result is used directly
	// since both interfaces are structurally identical.
	NewBlameShuffle func(g *group.Group, self group.ID, priv crypto.KemPrivateKey) blame.ShuffleRound
	Logger          *slog.Logger
}

type mismatch struct {
	slot int
	peer int // -1 means the mismatch could not be pinned to a single transmitting peer
}

// BulkRound runs one instance of the anonymous group-broadcast protocol
// described in spec.md §4: a shuffle of per-sender descriptors, followed
// by XOR aggregation of every peer's derived contribution to every slot,
// with a blame sub-round for any hash mismatch.
type BulkRound struct {
	mu sync.Mutex

	g       *group.Group
	self    group.ID
	roundID uint64

	staticDHPriv crypto.KemPrivateKey
	anonPub      crypto.KemPublicKey
	anonPriv     crypto.KemPrivateKey

	source DataSource
	net    Network

	newShuffle ShuffleFactory
	shuffleRnd ShuffleRound

	newBlameShuffle func(g *group.Group, self group.ID, priv crypto.KemPrivateKey) blame.ShuffleRound
	blameSub        *blame.Subsystem

	appBroadcast bool

	state State

	offlineLog *Log
	liveLog    *Log

	descriptors      []Descriptor
	myIdx            int
	slotOffsets      []int
	expectedBulkSize int
	ownCleartext     []byte
	ownContribution  []byte

	messagesByIdx    map[int][]byte
	receivedMessages int

	cleartexts [][]byte
	badMembers map[int]bool

	shuffleStart     time.Time
	dataSharingStart time.Time

	log *slog.Logger

	onFinished   func()
	onAborted    func(err error)
	onCleartexts func(cleartexts [][]byte)
}

// NewBulkRound constructs a BulkRound in the Offline state. appBroadcast
// selects leader-aggregation mode (spec.md §4.7) over plain broadcast.
func NewBulkRound(cfg BulkRoundConfig, appBroadcast bool) (*BulkRound, error) {
	if cfg.Group.GetIndex(cfg.Self) < 0 {
		return nil, fmt.Errorf("bulkround: self %x is not a member of the group", cfg.Self)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &BulkRound{
		g:               cfg.Group,
		self:            cfg.Self,
		roundID:         cfg.RoundID,
		staticDHPriv:    cfg.StaticDHPriv,
		source:          cfg.Source,
		net:             cfg.Net,
		newShuffle:      cfg.NewShuffle,
		newBlameShuffle: cfg.NewBlameShuffle,
		appBroadcast:    appBroadcast,
		state:           Offline,
		offlineLog:      NewLog(),
		liveLog:         NewLog(),
		messagesByIdx:   make(map[int][]byte),
		badMembers:      make(map[int]bool),
		log:             logger.With("component", "bulkround", "round", cfg.RoundID),
	}
	return r, nil
}

// OnFinished registers the callback invoked once the round reaches Finished,
// whether it succeeded, failed or ended in blame. An aborted round invokes
// the OnAborted callback instead.
func (r *BulkRound) OnFinished(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFinished = f
}

// OnAborted registers the callback invoked if the round cannot proceed at
// all (e.g. the local peer's own descriptor is missing from shuffle
// output).
func (r *BulkRound) OnAborted(f func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAborted = f
}

// OnCleartexts registers the callback invoked with the recovered per-slot
// cleartexts once aggregation succeeds, either directly or via a verified
// leader aggregate.
func (r *BulkRound) OnCleartexts(f func(cleartexts [][]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCleartexts = f
}

// GetState returns the round's current state.
func (r *BulkRound) GetState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// GetBadMembers returns the group indexes of peers found responsible for a
// protocol violation this round, sorted.
func (r *BulkRound) GetBadMembers() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.badMembers))
	for idx := range r.badMembers {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// GetCleartexts returns every slot's recovered cleartext, including empty
// slots, once the round has Finished successfully. Callers that only want
// delivered messages should filter zero-length entries.
func (r *BulkRound) GetCleartexts() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte{}, r.cleartexts...)
}

// GetShuffleRound exposes the underlying shuffle collaborator so the
// owner's transport can route incoming shuffle-tagged wire traffic to it.
func (r *BulkRound) GetShuffleRound() ShuffleRound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuffleRnd
}

// GetBlameShuffleRound exposes the prepared blame shuffle, non-nil only
// once the main shuffle has finished and the round has entered DataSharing.
func (r *BulkRound) GetBlameShuffleRound() blame.ShuffleRound {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blameSub == nil {
		return nil
	}
	return r.blameSub.GetShuffleRound()
}

// Start builds this peer's descriptor and submits it to a fresh shuffle,
// replaying any offline-logged traffic that arrived first.
func (r *BulkRound) Start(ctx context.Context) error {
	cleartext, err := r.source.Cleartext(ctx, r.roundID)
	if err != nil {
		return r.abort(fmt.Errorf("bulkround: fetching cleartext: %w", err))
	}

	anonPub, anonPriv, err := crypto.GenerateKemKeyPair()
	if err != nil {
		return r.abort(fmt.Errorf("bulkround: generating anonymous keypair: %w", err))
	}

	mode := "broadcast"
	if r.appBroadcast {
		mode = "leader-aggregate"
	}
	metrics.RoundsStarted.WithLabelValues(mode).Inc()

	r.mu.Lock()
	r.anonPub = anonPub
	r.anonPriv = anonPriv
	r.ownCleartext = cleartext
	r.state = Shuffling
	r.shuffleStart = time.Now()
	r.shuffleRnd = r.newShuffle(r.g, r.self, r.staticDHPriv)
	r.shuffleRnd.OnFinished(func(items [][]byte) { r.onShuffleFinished(ctx, items) })
	r.shuffleRnd.OnAborted(func(err error) { r.abort(fmt.Errorf("bulkround: shuffle aborted: %w", err)) })
	replay := r.offlineLog.Drain()
	r.mu.Unlock()

	descriptor, err := r.buildDescriptor(cleartext)
	if err != nil {
		return r.abort(err)
	}

	if err := r.shuffleRnd.Start(ctx, EncodeDescriptor(descriptor)); err != nil {
		return r.abort(fmt.Errorf("bulkround: starting shuffle: %w", err))
	}

	for _, item := range replay {
		if err := r.dispatchReplayed(ctx, item); err != nil {
			r.log.Warn("bulkround: replaying offline message failed", "err", err)
		}
	}
	return nil
}

func (r *BulkRound) dispatchReplayed(ctx context.Context, item replayItem) error {
	msg := WireMessage{RoundID: item.Round, Type: item.Type, Sender: item.Sender, Payload: item.Payload}
	return r.handleWireMessage(ctx, msg)
}

// buildDescriptor computes this peer's own contribution and the hash
// commitments every other peer's contribution to this slot must match,
// entirely from information available before the shuffle runs: the
// cleartext, and this peer's own anon keypair paired with every group
// member's published static DH key.
func (r *BulkRound) buildDescriptor(cleartext []byte) (Descriptor, error) {
	r.mu.Lock()
	n := r.g.Count()
	ownIdx := r.g.GetIndex(r.self)
	anonPriv := r.anonPriv
	anonPub := r.anonPub
	r.mu.Unlock()

	xorHashes := make([][]byte, n)
	ownContribution := append([]byte{}, cleartext...)

	for i := 0; i < n; i++ {
		if i == ownIdx {
			continue
		}
		staticPub := r.g.GetPublicDHAt(i)
		shared, err := crypto.DeriveAnonSharedSecret(anonPriv, staticPub, r.roundID, maskSlot)
		if err != nil {
			return Descriptor{}, fmt.Errorf("bulkround: deriving mask secret for peer %d: %w", i, err)
		}
		mask := shared.Keystream(r.roundID, maskSlot, len(cleartext))
		xorHashes[i] = r.source.Hash(mask)
		if err := crypto.XorInplace(ownContribution, mask); err != nil {
			return Descriptor{}, fmt.Errorf("bulkround: masking own contribution: %w", err)
		}
	}
	xorHashes[ownIdx] = r.source.Hash(ownContribution)

	r.mu.Lock()
	r.ownContribution = ownContribution
	r.mu.Unlock()

	return NewDescriptor(len(cleartext), anonPub, xorHashes, r.source.Hash(cleartext)), nil
}

func (r *BulkRound) onShuffleFinished(ctx context.Context, items [][]byte) {
	r.mu.Lock()
	if r.state != Shuffling {
		r.mu.Unlock()
		return
	}
	n := r.g.Count()
	r.mu.Unlock()

	descriptors := make([]Descriptor, len(items))
	seenAnon := make(map[crypto.KemPublicKey]bool)
	for idx, raw := range items {
		d, rest, err := DecodeDescriptor(raw)
		if err != nil || len(rest) != 0 {
			r.abort(newPeerError(ErrMalformedMessage, -1, "malformed descriptor from shuffle output"))
			return
		}
		if err := d.Validate(n, crypto.HashSize); err != nil {
			r.abort(err)
			return
		}
		if seenAnon[d.AnonDHPublic] {
			r.abort(newPeerError(ErrMalformedMessage, -1, "duplicate anonymous DH public across descriptors"))
			return
		}
		seenAnon[d.AnonDHPublic] = true
		descriptors[idx] = d
	}

	r.mu.Lock()
	myIdx := -1
	for idx, d := range descriptors {
		if d.AnonDHPublic == r.anonPub {
			myIdx = idx
			break
		}
	}
	if myIdx < 0 {
		r.mu.Unlock()
		r.abort(newPeerError(ErrAnonIndexNotFound, -1, "shuffle output does not contain the local peer's descriptor"))
		return
	}

	r.descriptors = descriptors
	r.myIdx = myIdx
	r.slotOffsets, r.expectedBulkSize = computeOffsets(descriptors)
	r.state = DataSharing
	metrics.TimeSince(metrics.ShuffleDuration, r.shuffleStart)
	r.dataSharingStart = time.Now()

	r.blameSub = blame.NewSubsystem(r.g, r.self, r.roundID, r.source.Hash)
	r.blameSub.PrepareBlameShuffle(r.blameFactory(), r.staticDHPriv)

	ownIdx := r.g.GetIndex(r.self)
	r.mu.Unlock()

	row, err := r.buildRow()
	if err != nil {
		r.abort(err)
		return
	}

	r.mu.Lock()
	r.messagesByIdx[ownIdx] = row
	r.receivedMessages = 1
	appBroadcast := r.appBroadcast
	isLeader := r.self == r.g.Leader()
	if appBroadcast && !isLeader {
		r.state = ReceivingLeaderData
	}
	r.mu.Unlock()

	r.broadcastRow(ctx, row)

	if !appBroadcast {
		r.tryAggregate(ctx)
	} else if isLeader {
		r.leaderTryFinalize(ctx)
	}
}

// blameFactory adapts NewShuffle into a blame.ShuffleFactory when the
// caller doesn't supply a dedicated NewBlameShuffle: the ShuffleRound it
// returns satisfies both packages' interfaces structurally, so wrapping it
// is enough to reuse the same constructor for both shuffles.
func (r *BulkRound) blameFactory() blame.ShuffleFactory {
	if r.newBlameShuffle != nil {
		return r.newBlameShuffle
	}
	newShuffle := r.newShuffle
	return func(g *group.Group, self group.ID, priv crypto.KemPrivateKey) blame.ShuffleRound {
		return newShuffle(g, self, priv)
	}
}

func computeOffsets(descriptors []Descriptor) ([]int, int) {
	offsets := make([]int, len(descriptors))
	total := 0
	for i, d := range descriptors {
		offsets[i] = total
		total += d.Length
	}
	return offsets, total
}

// buildRow assembles this peer's full contribution to every slot: its own
// precomputed contribution at myIdx, and a freshly-derived mask for every
// other slot.
func (r *BulkRound) buildRow() ([]byte, error) {
	r.mu.Lock()
	descriptors := r.descriptors
	offsets := r.slotOffsets
	total := r.expectedBulkSize
	myIdx := r.myIdx
	ownContribution := r.ownContribution
	staticPriv := r.staticDHPriv
	r.mu.Unlock()

	row := make([]byte, total)
	for s, d := range descriptors {
		dst := row[offsets[s] : offsets[s]+d.Length]
		if s == myIdx {
			copy(dst, ownContribution)
			continue
		}
		shared, err := crypto.DeriveAnonSharedSecret(staticPriv, d.AnonDHPublic, r.roundID, maskSlot)
		if err != nil {
			return nil, fmt.Errorf("bulkround: deriving contribution for slot %d: %w", s, err)
		}
		copy(dst, shared.Keystream(r.roundID, maskSlot, d.Length))
	}
	return row, nil
}

func (r *BulkRound) broadcastRow(ctx context.Context, row []byte) {
	r.mu.Lock()
	appBroadcast := r.appBroadcast
	leader := r.g.Leader()
	isLeader := r.self == leader
	r.mu.Unlock()

	if appBroadcast {
		if isLeader {
			return // leader already recorded its own row locally
		}
		payload := encodeLoggedBulkData(r.self, row)
		wire := EncodeWireMessage(WireMessage{RoundID: r.roundID, Type: LoggedBulkDataMessage, Sender: r.self, Payload: payload})
		if err := r.net.SendTo(ctx, leader, wire); err != nil {
			r.log.Warn("bulkround: failed to send row to leader", "err", err)
		}
		return
	}

	wire := EncodeWireMessage(WireMessage{RoundID: r.roundID, Type: BulkDataMessage, Sender: r.self, Payload: row})
	if err := r.net.Broadcast(ctx, wire); err != nil {
		r.log.Warn("bulkround: failed to broadcast row", "err", err)
	}
}

// IncomingData decodes and dispatches one inbound wire message, or buffers
// it in the offline log if the round hasn't Started yet.
func (r *BulkRound) IncomingData(ctx context.Context, raw []byte) error {
	msg, err := DecodeWireMessage(raw)
	if err != nil {
		return fmt.Errorf("bulkround: %w", err)
	}
	if msg.RoundID != r.roundID {
		return newPeerError(ErrMalformedMessage, -1, "wrong round id")
	}
	if r.g.GetIndex(msg.Sender) < 0 {
		return newPeerError(ErrUnauthorizedSender, -1, "sender is not a group member")
	}

	r.mu.Lock()
	if r.state == Offline {
		r.offlineLog.Append(msg.Sender, msg.Type, msg.RoundID, msg.Payload)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return r.handleWireMessage(ctx, msg)
}

func (r *BulkRound) handleWireMessage(ctx context.Context, msg WireMessage) error {
	switch msg.Type {
	case BulkDataMessage:
		return r.handleBulkData(ctx, msg)
	case LoggedBulkDataMessage:
		return r.handleLoggedBulkData(ctx, msg)
	case AggregatedBulkDataMessage:
		return r.handleAggregatedBulkData(ctx, msg)
	default:
		return newPeerError(ErrMalformedMessage, r.g.GetIndex(msg.Sender), "unknown message type")
	}
}

func (r *BulkRound) handleBulkData(ctx context.Context, msg WireMessage) error {
	r.mu.Lock()
	if r.state != DataSharing {
		r.mu.Unlock()
		return nil
	}
	idx := r.g.GetIndex(msg.Sender)
	if len(msg.Payload) != r.expectedBulkSize {
		r.badMembers[idx] = true
		r.mu.Unlock()
		return newPeerError(ErrMalformedMessage, idx, "bulk data wrong length")
	}

	if !r.liveLog.Append(msg.Sender, msg.Type, msg.RoundID, msg.Payload) {
		existing, _ := r.liveLog.Get(msg.Sender, msg.Type, msg.RoundID)
		dup := bytes.Equal(existing, msg.Payload)
		r.mu.Unlock()
		if dup {
			return nil
		}
		r.mu.Lock()
		r.badMembers[idx] = true
		r.mu.Unlock()
		return newPeerError(ErrDuplicateSubmission, idx, "peer submitted two different rows")
	}

	r.messagesByIdx[idx] = msg.Payload
	r.receivedMessages++
	ready := r.receivedMessages == r.g.Count()
	r.mu.Unlock()

	if ready {
		r.tryAggregate(ctx)
	}
	return nil
}

func (r *BulkRound) handleLoggedBulkData(ctx context.Context, msg WireMessage) error {
	origin, row, err := decodeLoggedBulkData(msg.Payload)
	if err != nil {
		return newPeerError(ErrMalformedMessage, r.g.GetIndex(msg.Sender), "malformed logged bulk data")
	}

	r.mu.Lock()
	leader := r.g.Leader()
	isLeader := r.self == leader
	state := r.state
	r.mu.Unlock()

	if isLeader && state == DataSharing {
		return r.leaderReceiveSubmission(ctx, msg.Sender, origin, row)
	}
	if !isLeader && msg.Sender == leader {
		return r.nonLeaderReceiveDisseminated(ctx, origin, row)
	}
	return newPeerError(ErrUnauthorizedSender, r.g.GetIndex(msg.Sender), "unexpected logged bulk data sender")
}

func (r *BulkRound) leaderReceiveSubmission(ctx context.Context, sender, origin group.ID, row []byte) error {
	if sender != origin {
		return newPeerError(ErrUnauthorizedSender, r.g.GetIndex(sender), "submission origin does not match sender")
	}

	r.mu.Lock()
	idx := r.g.GetIndex(origin)
	if len(row) != r.expectedBulkSize {
		r.badMembers[idx] = true
		r.mu.Unlock()
		return newPeerError(ErrMalformedMessage, idx, "submitted row wrong length")
	}
	if !r.liveLog.Append(origin, LoggedBulkDataMessage, r.roundID, row) {
		existing, _ := r.liveLog.Get(origin, LoggedBulkDataMessage, r.roundID)
		dup := bytes.Equal(existing, row)
		r.mu.Unlock()
		if dup {
			return nil
		}
		r.mu.Lock()
		r.badMembers[idx] = true
		r.mu.Unlock()
		return newPeerError(ErrDuplicateSubmission, idx, "peer submitted two different rows to leader")
	}

	r.messagesByIdx[idx] = row
	r.receivedMessages++
	ready := r.receivedMessages == r.g.Count()
	r.mu.Unlock()

	if ready {
		r.leaderTryFinalize(ctx)
	}
	return nil
}

func (r *BulkRound) leaderTryFinalize(ctx context.Context) {
	r.mu.Lock()
	if r.receivedMessages < r.g.Count() {
		r.mu.Unlock()
		return
	}
	rows := snapshotRows(r.messagesByIdx)
	descriptors := append([]Descriptor{}, r.descriptors...)
	offsets := append([]int{}, r.slotOffsets...)
	r.mu.Unlock()

	cleartexts, mismatches := xorAggregate(rows, descriptors, offsets, r.source.Hash)

	if len(mismatches) == 0 {
		payload := encodeAggregatedBulkData(cleartexts)
		wire := EncodeWireMessage(WireMessage{RoundID: r.roundID, Type: AggregatedBulkDataMessage, Sender: r.self, Payload: payload})
		if err := r.net.Broadcast(ctx, wire); err != nil {
			r.log.Warn("bulkround: failed to broadcast aggregate", "err", err)
		}
		r.finishSuccess(cleartexts)
		return
	}

	for idx, row := range rows {
		origin := r.g.GetID(idx)
		payload := encodeLoggedBulkData(origin, row)
		wire := EncodeWireMessage(WireMessage{RoundID: r.roundID, Type: LoggedBulkDataMessage, Sender: r.self, Payload: payload})
		if err := r.net.Broadcast(ctx, wire); err != nil {
			r.log.Warn("bulkround: failed to disseminate row", "err", err, "origin", origin)
		}
	}

	r.enterBlame(ctx, rows, descriptors, offsets, mismatches)
}

func (r *BulkRound) nonLeaderReceiveDisseminated(ctx context.Context, origin group.ID, row []byte) error {
	r.mu.Lock()
	if r.state != ReceivingLeaderData && r.state != ProcessingLeaderData {
		r.mu.Unlock()
		return nil
	}
	r.state = ProcessingLeaderData
	idx := r.g.GetIndex(origin)
	if idx < 0 {
		r.mu.Unlock()
		return newPeerError(ErrUnauthorizedSender, -1, "disseminated row from unknown origin")
	}
	if len(row) != r.expectedBulkSize {
		r.badMembers[idx] = true
		r.mu.Unlock()
		return newPeerError(ErrMalformedMessage, idx, "disseminated row wrong length")
	}
	r.messagesByIdx[idx] = row
	ready := len(r.messagesByIdx) == r.g.Count()
	descriptors := append([]Descriptor{}, r.descriptors...)
	offsets := append([]int{}, r.slotOffsets...)
	r.mu.Unlock()

	if !ready {
		return nil
	}

	r.mu.Lock()
	rows := snapshotRows(r.messagesByIdx)
	r.mu.Unlock()

	cleartexts, mismatches := xorAggregate(rows, descriptors, offsets, r.source.Hash)
	if len(mismatches) == 0 {
		// The leader claimed failure by disseminating raw rows, but this
		// peer's own replay of the aggregation succeeds: the leader
		// equivocated.
		r.mu.Lock()
		r.badMembers[r.g.GetIndex(r.g.Leader())] = true
		r.mu.Unlock()
		r.finishSuccess(cleartexts)
		return nil
	}

	r.enterBlame(ctx, rows, descriptors, offsets, mismatches)
	return nil
}

func (r *BulkRound) handleAggregatedBulkData(ctx context.Context, msg WireMessage) error {
	r.mu.Lock()
	if r.state != ReceivingLeaderData && r.state != DataSharing {
		r.mu.Unlock()
		return nil
	}
	leader := r.g.Leader()
	if msg.Sender != leader {
		idx := r.g.GetIndex(msg.Sender)
		r.mu.Unlock()
		return newPeerError(ErrUnauthorizedSender, idx, "aggregated bulk data from non-leader")
	}
	descriptors := append([]Descriptor{}, r.descriptors...)
	r.mu.Unlock()

	cleartexts, err := decodeAggregatedBulkData(msg.Payload, descriptors)
	if err != nil {
		return newPeerError(ErrMalformedMessage, r.g.GetIndex(leader), "malformed aggregated bulk data")
	}

	for s, c := range cleartexts {
		if !bytes.Equal(r.source.Hash(c), descriptors[s].CleartextHash) {
			r.mu.Lock()
			r.badMembers[r.g.GetIndex(leader)] = true
			r.mu.Unlock()
			metrics.MembersBlamed.Inc()
			r.finishFailure()
			return newPeerError(ErrHashMismatch, r.g.GetIndex(leader), "leader aggregate equivocates on slot cleartext hash")
		}
	}

	r.finishSuccess(cleartexts)
	return nil
}

func (r *BulkRound) tryAggregate(ctx context.Context) {
	r.mu.Lock()
	if r.state != DataSharing || r.receivedMessages < r.g.Count() {
		r.mu.Unlock()
		return
	}
	rows := snapshotRows(r.messagesByIdx)
	descriptors := append([]Descriptor{}, r.descriptors...)
	offsets := append([]int{}, r.slotOffsets...)
	r.mu.Unlock()

	cleartexts, mismatches := xorAggregate(rows, descriptors, offsets, r.source.Hash)
	if len(mismatches) == 0 {
		r.finishSuccess(cleartexts)
		return
	}

	r.enterBlame(ctx, rows, descriptors, offsets, mismatches)
}

// enterBlame builds this peer's disclosures for every slot a mismatch was
// found in and drives them through the prepared blame Subsystem.
func (r *BulkRound) enterBlame(ctx context.Context, rows map[int][]byte, descriptors []Descriptor, offsets []int, mismatches []mismatch) {
	metrics.BlameRoundsEntered.Inc()

	suspectSlots := make(map[int]bool)
	for _, m := range mismatches {
		suspectSlots[m.slot] = true
	}

	r.mu.Lock()
	n := r.g.Count()
	myIdx := r.myIdx
	anonPriv := r.anonPriv
	staticPriv := r.staticDHPriv
	ownGroupIdx := r.g.GetIndex(r.self)
	sub := r.blameSub
	r.mu.Unlock()

	var entries []blame.Entry
	for s := range suspectSlots {
		if s == myIdx {
			// The owner's own cell (i == ownGroupIdx) isn't governed by a
			// single DH secret at all: its commitment hashes the cleartext
			// XORed with every other peer's mask, so no disclosure can check
			// it directly. Once every other cell in the slot is confirmed
			// clean, a false cleartext_hash claim is what's left to catch —
			// see the cleartext-hash sweep in blame.ProcessBlame.
			for i := 0; i < n; i++ {
				if i == ownGroupIdx {
					continue
				}
				shared, err := crypto.DeriveAnonSharedSecret(anonPriv, r.g.GetPublicDHAt(i), r.roundID, maskSlot)
				if err != nil {
					continue
				}
				entries = append(entries, blame.Entry{DescriptorIndex: s, PeerIndex: i, AccuserIndex: ownGroupIdx, SharedSecret: shared})
			}
			continue
		}
		shared, err := crypto.DeriveAnonSharedSecret(staticPriv, descriptors[s].AnonDHPublic, r.roundID, maskSlot)
		if err != nil {
			continue
		}
		entries = append(entries, blame.Entry{DescriptorIndex: s, PeerIndex: ownGroupIdx, AccuserIndex: ownGroupIdx, SharedSecret: shared})
	}

	views := make([]blame.DescriptorView, len(descriptors))
	for i, d := range descriptors {
		views[i] = blame.DescriptorView{Length: d.Length, XorHashes: d.XorHashes, CleartextHash: d.CleartextHash}
	}

	sub.OnFinished(func(bad []int) { r.finishWithBlame(bad) })

	if err := sub.Start(ctx, entries, views, rows); err != nil {
		r.abort(fmt.Errorf("bulkround: starting blame shuffle: %w", err))
	}
}

func (r *BulkRound) finishWithBlame(bad []int) {
	metrics.RoundsFinished.WithLabelValues("blamed").Inc()
	if len(bad) > 0 {
		metrics.MembersBlamed.Add(float64(len(bad)))
	}

	r.mu.Lock()
	for _, idx := range bad {
		r.badMembers[idx] = true
	}
	r.state = Finished
	r.observeDataSharingDuration()
	cb := r.onFinished
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (r *BulkRound) finishSuccess(cleartexts [][]byte) {
	metrics.RoundsFinished.WithLabelValues("success").Inc()

	r.mu.Lock()
	r.cleartexts = cleartexts
	r.state = Finished
	r.observeDataSharingDuration()
	cb := r.onFinished
	deliver := r.onCleartexts
	r.mu.Unlock()
	if deliver != nil {
		deliver(cleartexts)
	}
	if cb != nil {
		cb()
	}
}

func (r *BulkRound) finishFailure() {
	metrics.RoundsFinished.WithLabelValues("failure").Inc()

	r.mu.Lock()
	r.state = Finished
	r.observeDataSharingDuration()
	cb := r.onFinished
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// observeDataSharingDuration records DataSharingDuration once, guarding
// against the zero value so a round that aborts before ever entering
// DataSharing (dataSharingStart never set) doesn't skew the histogram with
// a bogus multi-decade sample. Callers hold r.mu.
func (r *BulkRound) observeDataSharingDuration() {
	if r.dataSharingStart.IsZero() {
		return
	}
	metrics.TimeSince(metrics.DataSharingDuration, r.dataSharingStart)
	r.dataSharingStart = time.Time{}
}

func (r *BulkRound) abort(err error) error {
	metrics.RoundsFinished.WithLabelValues("aborted").Inc()

	r.mu.Lock()
	r.state = Aborted
	cb := r.onAborted
	r.mu.Unlock()
	if cb != nil {
		cb(err)
	}
	return err
}

func snapshotRows(m map[int][]byte) map[int][]byte {
	out := make(map[int][]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// xorAggregate XORs every peer's contribution together for every slot,
// checking each transmitted cell against the slot's published hash
// commitment as it goes, and the recovered cleartext against the slot's
// cleartext commitment. A commitment mismatch that can be pinned to one
// peer's transmitted cell is reported against that peer; a cleartext
// mismatch with every individual cell passing its own check is reported
// with peer -1, since only a blame disclosure can tell whether the slot
// owner's commitments themselves were false.
func xorAggregate(rows map[int][]byte, descriptors []Descriptor, offsets []int, hashFn func([]byte) []byte) ([][]byte, []mismatch) {
	n := len(descriptors)
	cleartexts := make([][]byte, n)
	var mismatches []mismatch

	for s := 0; s < n; s++ {
		length := descriptors[s].Length
		offset := offsets[s]
		acc := make([]byte, length)
		cellBad := false

		for i := 0; i < n; i++ {
			row, ok := rows[i]
			if !ok || len(row) < offset+length {
				mismatches = append(mismatches, mismatch{slot: s, peer: i})
				cellBad = true
				continue
			}
			contribution := row[offset : offset+length]
			if len(descriptors[s].XorHashes[i]) > 0 && !bytes.Equal(hashFn(contribution), descriptors[s].XorHashes[i]) {
				mismatches = append(mismatches, mismatch{slot: s, peer: i})
				cellBad = true
			}
			_ = crypto.XorInplace(acc, contribution)
		}

		cleartexts[s] = acc
		if !cellBad && !bytes.Equal(hashFn(acc), descriptors[s].CleartextHash) {
			mismatches = append(mismatches, mismatch{slot: s, peer: -1})
		}
	}

	return cleartexts, mismatches
}

// DeliveredMessages returns cleartexts with every zero-length (unused)
// slot removed, the form applications generally want.
func DeliveredMessages(cleartexts [][]byte) [][]byte {
	out := make([][]byte, 0, len(cleartexts))
	for _, c := range cleartexts {
		if len(c) > 0 {
			out = append(out, c)
		}
	}
	return out
}
