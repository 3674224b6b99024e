// Package protocol implements the DC-net bulk broadcast round: the
// cryptographically anonymous group-broadcast protocol in which every
// member of a fixed Group transmits exactly one message per round without
// any member being able to link a message to its sender.
//
// A round has two phases. First, every peer commits to a Descriptor (an
// anonymous DH public key, per-peer XOR-mask hash commitments, and a
// cleartext hash) and submits it to a shuffle package Round, which returns
// an identical, randomly-permuted vector of all N descriptors to every
// honest peer — the permuted position is the peer's anonymous slot. Second,
// every peer derives its XOR contribution to every slot from shared DH
// secrets with the slot's anonymous key, broadcasts the full row, and once
// all N rows have arrived XORs them together to recover the cleartext for
// every slot. Any hash mismatch routes into the blame package instead of
// failing the round outright.
//
// BulkRound runs single-threaded per instance: Start and IncomingData only
// ever mutate state from the caller's goroutine, and multiple rounds share
// nothing but the immutable *group.Group.
package protocol
