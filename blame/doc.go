// Package blame implements the second, disclosure-carrying shuffle
// spec.md §4.4/§4.6 runs when a BulkRound's XOR aggregation fails a hash
// check. It defines its own narrow ShuffleRound/ShuffleFactory interfaces
// rather than importing package protocol's — the two packages describe the
// same collaborator shape by structural typing alone, which keeps blame
// usable against any shuffle implementation and avoids an import cycle
// back into protocol.
package blame
