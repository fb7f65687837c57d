// Package config assembles the client's runtime settings from defaults, an
// optional JSON file and command-line flags, in that order of precedence.
package config

import "time"

// Config holds runtime settings for the carelog client.
//
// Fields:
//   - ServerEndpointAddr: base URL of the sync service.
//   - AccessToken: bearer token identifying this device to the service.
//   - DatabaseDSN: path of the local sqlite database.
//   - SyncDebounce: how long bursts of pushes/edits coalesce before a sync.
//   - PeerDisplayName: name announced during peer-to-peer discovery.
type Config struct {
	ServerEndpointAddr string
	AccessToken        string
	DatabaseDSN        string
	SyncDebounce       time.Duration
	PeerDisplayName    string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "http://127.0.0.1:8080"
	c.DatabaseDSN = "carelog.db"
	c.SyncDebounce = 2 * time.Second
	c.PeerDisplayName = "Care Device"
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later sources
// take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
