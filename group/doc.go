// Package group implements the immutable, canonically-ordered roster of
// peers a bulk broadcast round runs over.
//
// A Group is a value: constructing one from an input roster sorts and
// dedups it; AddMember and RemoveMember return new Groups rather than
// mutating the receiver. This mirrors the copy-on-write discipline the
// protocol package uses for BulkRound state, generalizing the teacher's
// QSharedDataPointer-style sharing to a plain immutable Go value behind a
// pointer receiver.
package group
