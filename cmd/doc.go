// Package cmd provides CLI commands for the anonymous group-broadcast
// network.
//
// # Commands
//
// peer: runs one participant in a bulk round. Bootstraps its roster from a
// registry (or a static config), joins the shuffle and bulk-data phases
// over HTTP, and reports whatever cleartexts the round delivers.
//
//	go run ./cmd/peer --config peer.yaml
//	go run ./cmd/peer --config peer.yaml --message "hello group" --round 1
//
// registry: a standalone bootstrap registry. Peers register their signing
// and DH keys and base URL here so they can build a group.Group without a
// shared static config file.
//
//	go run ./cmd/registry --addr=:8080
//	go run ./cmd/registry --addr=:8080 --postgres-host=localhost --postgres-db=adcnet
//
// # Configuration
//
// peer reads a YAML BulkConfig via --config; see config.BulkConfig for the
// full set of fields. A minimal three-peer static deployment (no registry)
// looks like:
//
//	listen_addr: ":9001"
//	base_url: "http://localhost:9001"
//	is_leader: true
//	group_size: 3
//	peers:
//	  - signing_key: "<hex>"
//	    dh_key: "<hex>"
//	    base_url: "http://localhost:9002"
//	  - signing_key: "<hex>"
//	    dh_key: "<hex>"
//	    base_url: "http://localhost:9003"
//
// A peer with no signing_key/dh_key configured generates a fresh pair on
// startup and logs its identity; an operator persists those back into
// config for subsequent restarts so the peer keeps the same group.ID.
package cmd
