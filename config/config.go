// Package config loads a peer's YAML configuration, following
// cmd/multiservice's common.Config-shaped tagged-struct pattern adapted to
// this repo's BulkRound/peer/registry wiring instead of the old
// client/server/aggregator service split.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PeerConfig describes one bootstrap roster entry: a group member's key
// material plus the HTTP base URL its peer.Server listens on.
type PeerConfig struct {
	SigningKey string `yaml:"signing_key"`
	DHKey      string `yaml:"dh_key"`
	BaseURL    string `yaml:"base_url"`
}

// BulkConfig configures one peer daemon: its own identity, the round shape,
// and the initial roster it bootstraps from, following
// protocol.ADCNetConfig's tagged-struct pattern (spec.md §2.1).
type BulkConfig struct {
	// ListenAddr is the address this peer's HTTP transport binds to.
	ListenAddr string `yaml:"listen_addr"`
	// MetricsAddr is the address /metrics is served on. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
	// BaseURL is how other peers reach this one; registered with the
	// bootstrap registry at startup.
	BaseURL string `yaml:"base_url"`
	// RegistryURL is the bootstrap registry's base URL, or empty to use
	// the static Peers list below instead.
	RegistryURL string `yaml:"registry_url"`

	// SigningKeyHex is this peer's hex-encoded Ed25519 signing private key,
	// generated on first run and expected to be persisted by the operator
	// if empty.
	SigningKeyHex string `yaml:"signing_key"`
	// DHKeyHex is this peer's hex-encoded static X25519 private key.
	DHKeyHex string `yaml:"dh_key"`

	// IsLeader marks this peer as the round leader when AppBroadcast is
	// enabled.
	IsLeader bool `yaml:"is_leader"`
	// AppBroadcast toggles leader-aggregation mode (spec.md §4's
	// ReceivingLeaderData/ProcessingLeaderData detour) versus plain
	// all-to-all broadcast.
	AppBroadcast bool `yaml:"app_broadcast"`

	// GroupSize is the expected roster size; used only by a peer that hosts
	// the registry, which waits until that many members have registered
	// before building its group. It is not enforced by group.Group itself.
	GroupSize int `yaml:"group_size"`
	// MessageSlotBytes caps the cleartext length a DataSource may return.
	MessageSlotBytes int `yaml:"message_slot_bytes"`
	// RoundTimeout is parsed and defaulted, but the peer daemon does not
	// read it: rounds are not aborted on a timer.
	RoundTimeout time.Duration `yaml:"round_timeout"`

	// Peers seeds the roster directly, bypassing RegistryURL. Useful for
	// static test/demo deployments.
	Peers []PeerConfig `yaml:"peers"`

	Postgres *PostgresConfig `yaml:"postgres"`
}

// PostgresConfig configures the registry's durable roster store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DefaultConfig returns a BulkConfig with the same defaults a fresh
// single-node demo deployment would want.
func DefaultConfig() *BulkConfig {
	return &BulkConfig{
		ListenAddr:       ":8090",
		MetricsAddr:      ":9090",
		GroupSize:        0,
		MessageSlotBytes: 4096,
		RoundTimeout:     30 * time.Second,
	}
}

// LoadConfig reads and parses a BulkConfig from a YAML file.
func LoadConfig(path string) (*BulkConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that a BulkConfig is internally consistent enough to
// start a peer daemon.
func (c *BulkConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if c.RegistryURL == "" && len(c.Peers) == 0 {
		return fmt.Errorf("config: either registry_url or a static peers list is required")
	}
	if c.MessageSlotBytes <= 0 {
		return fmt.Errorf("config: message_slot_bytes must be positive")
	}
	return nil
}
