package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dmitrijs2005/carelog/internal/client/app"
	"github.com/dmitrijs2005/carelog/internal/client/config"
	"github.com/dmitrijs2005/carelog/internal/filex"
	"github.com/dmitrijs2005/carelog/internal/flagx"
	"github.com/dmitrijs2005/carelog/internal/model"
)

// exportDirName is where export lands when no -o path is given.
const exportDirName = "exports"

const usage = `usage: carelog-client <command> [flags]

commands:
  run                         run the background sync daemon
  sync                        perform one sync pass and exit
  export -p <profile> [-o <file>] export a profile snapshot (default exports/<profile>.json)
  import -f <file> [-p <profile>] import a snapshot
  share -p <profile>          create or return the profile's share link
  unshare -p <profile>        stop sharing a profile
  participants -p <profile>   list share participants
  accept -token <invite>      accept a share invitation
  diag                        print sync diagnostics

global flags: -a addr, -t token, -d database, -i debounce, -n peer name, -c config.json
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.LoadConfig()
	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, a, os.Args[1], os.Args[2:]); err != nil {
		log.Fatalf("%v", err)
	}
}

func dispatch(ctx context.Context, a *app.App, command string, args []string) error {
	switch command {
	case "run":
		return a.Run(ctx)

	case "sync":
		return a.SyncOnce(ctx)

	case "export":
		profile, out := stringFlags(args, "p", "o")
		if profile == "" {
			return fmt.Errorf("export requires -p <profile>")
		}
		if out == "" {
			dir, err := filex.EnsureSubDir(exportDirName)
			if err != nil {
				return err
			}
			out = filepath.Join(dir, profile+".json")
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := a.ExportProfile(ctx, profile, f); err != nil {
			return err
		}
		fmt.Printf("exported to %s\n", out)
		return nil

	case "import":
		file, profile := stringFlags(args, "f", "p")
		if file == "" {
			return fmt.Errorf("import requires -f <file>")
		}
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		added, updated, err := a.ImportSnapshot(ctx, profile, f)
		if err != nil {
			return err
		}
		fmt.Printf("imported: %d added, %d updated\n", added, updated)
		return nil

	case "share":
		profile, _ := stringFlags(args, "p", "")
		if profile == "" {
			return fmt.Errorf("share requires -p <profile>")
		}
		share, err := a.Shares.EnsureShare(ctx, profile)
		if err != nil {
			return err
		}
		fmt.Printf("share: %s\nurl: %s\ninvite: %s\n", share.ID, share.URL, share.InviteToken)
		return nil

	case "unshare":
		profile, _ := stringFlags(args, "p", "")
		if profile == "" {
			return fmt.Errorf("unshare requires -p <profile>")
		}
		return a.Shares.StopSharing(ctx, profile)

	case "participants":
		profile, _ := stringFlags(args, "p", "")
		if profile == "" {
			return fmt.Errorf("participants requires -p <profile>")
		}
		parts, err := a.Shares.Participants(ctx, profile)
		if err != nil {
			return err
		}
		for _, p := range parts {
			fmt.Printf("%s\t%s\t%s\n", p.ID, p.Permission, p.Status)
		}
		return nil

	case "accept":
		token, _ := stringFlags(args, "token", "")
		if token == "" {
			return fmt.Errorf("accept requires -token <invite>")
		}
		accepted, err := a.AcceptShares(ctx, []string{token})
		for _, id := range accepted {
			fmt.Printf("accepted profile %s\n", id)
		}
		return err

	case "diag":
		return json.NewEncoder(os.Stdout).Encode(a.Diagnostics())

	case "new-profile":
		name, _ := stringFlags(args, "name", "")
		p := model.NewProfile(name)
		a.Store.UpsertProfile(p)
		if err := a.Store.Save(ctx); err != nil {
			return err
		}
		fmt.Println(p.ID)
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// stringFlags pulls up to two string flags out of args, ignoring the global
// config flags parsed elsewhere.
func stringFlags(args []string, name1, name2 string) (string, string) {
	allowed := []string{"-" + name1}
	fs := flag.NewFlagSet("sub", flag.ContinueOnError)
	v1 := fs.String(name1, "", "")
	var v2 *string
	if name2 != "" {
		allowed = append(allowed, "-"+name2)
		v2 = fs.String(name2, "", "")
	}
	_ = fs.Parse(flagx.FilterArgs(args, allowed))
	if v2 == nil {
		return *v1, ""
	}
	return *v1, *v2
}
