package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/carelog/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-a string   base URL of the sync service
//	-t string   device access token
//	-d string   local database path
//	-i int      sync debounce window in seconds
//	-n string   peer display name
//
// os.Args is filtered down to the flags handled here (flagx.FilterArgs) so
// subcommand arguments parsed elsewhere do not interfere.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-t", "-d", "-i", "-n"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "base URL of the sync service")
	fs.StringVar(&cfg.AccessToken, "t", cfg.AccessToken, "device access token")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "local database path")
	debounce := fs.Int("i", int(cfg.SyncDebounce.Seconds()), "sync debounce window (in seconds)")
	fs.StringVar(&cfg.PeerDisplayName, "n", cfg.PeerDisplayName, "peer display name")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncDebounce = time.Duration(*debounce) * time.Second
}
