package protocol

import (
	"sync"

	"github.com/flashbots/adcnet/group"
)

// MessageType tags the three kinds of bulk-round wire message, per
// spec.md §4.5.
type MessageType uint8

const (
	BulkDataMessage MessageType = iota
	LoggedBulkDataMessage
	AggregatedBulkDataMessage
)

func (mt MessageType) String() string {
	switch mt {
	case BulkDataMessage:
		return "BulkData"
	case LoggedBulkDataMessage:
		return "LoggedBulkData"
	case AggregatedBulkDataMessage:
		return "AggregatedBulkData"
	default:
		return "Unknown"
	}
}

// logKey identifies one entry in a Log: the sender, the message type, and
// the round it belongs to.
type logKey struct {
	sender group.ID
	typ    MessageType
	round  uint64
}

// logEntry pairs a stored payload with its arrival order, so Drain can
// replay entries in the order they were appended.
type logEntry struct {
	payload []byte
	seq     int
}

// Log is an append-only, keyed store of inbound protocol messages
// (spec.md §4.4). Two instances exist per round: offline_log holds messages
// that arrive before Start until Start replays them, and log records
// everything after, which is what duplicate submissions are detected
// against. Blame works from the round's collected rows, not from a Log.
type Log struct {
	mu      sync.Mutex
	entries map[logKey]logEntry
	seq     int
}

// NewLog constructs an empty Log.
func NewLog() *Log {
	return &Log{entries: make(map[logKey]logEntry)}
}

// Append records payload under (sender, typ, round). Returns false without
// modifying the log if an entry already exists for that key — the caller
// uses this to detect DuplicateSubmission.
func (l *Log) Append(sender group.ID, typ MessageType, round uint64, payload []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := logKey{sender, typ, round}
	if _, exists := l.entries[key]; exists {
		return false
	}
	l.entries[key] = logEntry{payload: payload, seq: l.seq}
	l.seq++
	return true
}

// Has reports whether an entry exists for (sender, typ, round).
func (l *Log) Has(sender group.ID, typ MessageType, round uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[logKey{sender, typ, round}]
	return ok
}

// Get returns the payload stored for (sender, typ, round), if any.
func (l *Log) Get(sender group.ID, typ MessageType, round uint64) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[logKey{sender, typ, round}]
	return e.payload, ok
}

// replayItem is one entry produced by Drain, in arrival order.
type replayItem struct {
	Sender  group.ID
	Type    MessageType
	Round   uint64
	Payload []byte
	seq     int
}

// Drain removes and returns every entry in l in the order it was appended,
// for replay into the live Log after Start (spec.md §4.4/§5).
func (l *Log) Drain() []replayItem {
	l.mu.Lock()
	defer l.mu.Unlock()

	items := make([]replayItem, 0, len(l.entries))
	for k, e := range l.entries {
		items = append(items, replayItem{Sender: k.sender, Type: k.typ, Round: k.round, Payload: e.payload, seq: e.seq})
	}
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j-1].seq > items[j].seq; j-- {
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
	l.entries = make(map[logKey]logEntry)
	return items
}
