package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "http://127.0.0.1:8080", c.ServerEndpointAddr)
	assert.Equal(t, "carelog.db", c.DatabaseDSN)
	assert.Equal(t, 2*time.Second, c.SyncDebounce)
	assert.Equal(t, "Care Device", c.PeerDisplayName)
}

func TestLoadConfig_UsesDefaultsBeforeParsing(t *testing.T) {
	cfg := LoadConfig()

	require.NotNil(t, cfg, "LoadConfig must not return nil")
	assert.Equal(t, "http://127.0.0.1:8080", cfg.ServerEndpointAddr)
	assert.Equal(t, 2*time.Second, cfg.SyncDebounce)
}

func TestParseJson_OverlaysOnlyProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(map[string]any{
		"server_endpoint_addr": "https://sync.example.test",
		"sync_debounce":        "5s",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	oldArgs := os.Args
	os.Args = []string{"carelog-client", "-c", path}
	defer func() { os.Args = oldArgs }()

	var cfg Config
	cfg.LoadDefaults()
	parseJson(&cfg)

	assert.Equal(t, "https://sync.example.test", cfg.ServerEndpointAddr)
	assert.Equal(t, 5*time.Second, cfg.SyncDebounce)
	assert.Equal(t, "carelog.db", cfg.DatabaseDSN, "absent fields keep defaults")
}

func TestParseFlags_OverridesDefaults(t *testing.T) {
	oldArgs := os.Args
	os.Args = []string{"carelog-client", "-a", "https://flag.example.test", "-i", "7"}
	defer func() { os.Args = oldArgs }()

	var cfg Config
	cfg.LoadDefaults()
	parseFlags(&cfg)

	assert.Equal(t, "https://flag.example.test", cfg.ServerEndpointAddr)
	assert.Equal(t, 7*time.Second, cfg.SyncDebounce)
}
