package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/adcnet/config"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bulk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigParsesPeersAndOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9001"
base_url: "http://localhost:9001"
group_size: 3
peers:
  - signing_key: "aa"
    dh_key: "bb"
    base_url: "http://peer-a:9001"
  - signing_key: "cc"
    dh_key: "dd"
    base_url: "http://peer-b:9001"
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9001", cfg.ListenAddr)
	require.Equal(t, 3, cfg.GroupSize)
	require.Len(t, cfg.Peers, 2)
	require.Equal(t, "http://peer-a:9001", cfg.Peers[0].BaseURL)
	// MessageSlotBytes wasn't set in the file, so the default survives.
	require.Equal(t, 4096, cfg.MessageSlotBytes)
}

func TestLoadConfigMissingFileErrors(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRequiresListenAddr(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Peers = []config.PeerConfig{{BaseURL: "http://x"}}
	cfg.ListenAddr = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresRegistryOrPeers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ListenAddr = ":8090"
	require.Error(t, cfg.Validate())

	cfg.RegistryURL = "http://localhost:8080"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveSlotBytes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ListenAddr = ":8090"
	cfg.RegistryURL = "http://localhost:8080"
	cfg.MessageSlotBytes = 0
	require.Error(t, cfg.Validate())
}
