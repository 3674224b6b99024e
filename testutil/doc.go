// Package testutil provides fixtures used by the registry and peer test
// suites: generating groups of test
// peers with real key material, an in-memory transport that wires several
// peers together without any real networking, and a DataSource stand-in
// for BulkRound.
//
// This package is intended for testing purposes only and should not be
// used in production code.
package testutil
