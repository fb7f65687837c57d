package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/carelog/internal/flagx"
	"github.com/dmitrijs2005/carelog/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so intervals can be written as strings like "2s" or as
// integer nanoseconds; values are then copied into the runtime Config.
type JsonConfig struct {
	ServerEndpointAddr string         `json:"server_endpoint_addr"`
	AccessToken        string         `json:"access_token"`
	DatabaseDSN        string         `json:"database_dsn"`
	SyncDebounce       timex.Duration `json:"sync_debounce"`
	PeerDisplayName    string         `json:"peer_display_name"`
}

// parseJson overlays cfg with values from the JSON file named by -c/-config.
// With no such flag it is a no-op; a file that cannot be read or parsed
// panics, since a misconfigured client should not start at all.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerEndpointAddr != "" {
		cfg.ServerEndpointAddr = jc.ServerEndpointAddr
	}
	if jc.AccessToken != "" {
		cfg.AccessToken = jc.AccessToken
	}
	if jc.DatabaseDSN != "" {
		cfg.DatabaseDSN = jc.DatabaseDSN
	}
	if jc.SyncDebounce != 0 {
		cfg.SyncDebounce = jc.SyncDebounce.D()
	}
	if jc.PeerDisplayName != "" {
		cfg.PeerDisplayName = jc.PeerDisplayName
	}
}
