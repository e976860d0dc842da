package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/pellyjosh/smartdmv-sync/cmd/internal/appcli"
	"github.com/pellyjosh/smartdmv-sync/offline"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "seed":
		if err := cmdSeed(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
	case "enqueue":
		if err := cmdEnqueue(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
	case "list":
		if err := cmdList(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
	case "sync":
		if err := cmdSync(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
	case "status":
		if err := cmdStatus(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
	case "conflicts":
		if err := cmdConflicts(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
	case "resolve":
		if err := cmdResolve(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
	case "retry":
		if err := cmdRetry(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
	case "wipe":
		if err := cmdWipe(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
	default:
		usage()
	}
}

func usage() {
	fmt.Println(`dmvsync - offline-first sync for SmartDVM practices

Usage:
  dmvsync seed [-mnemonic <phrase>]     generate or restore the tenant seed
  dmvsync enqueue -type T -id ID -op {create|update|delete} [-payload JSON]
  dmvsync list -type T                  list local records
  dmvsync sync                          run one sync cycle
  dmvsync status                        show queue, cursor and storage stats
  dmvsync conflicts                     list unresolved conflicts
  dmvsync resolve -id ID -strategy {server-wins|client-wins|merge|last-write-wins}
  dmvsync retry                         requeue failed operations
  dmvsync wipe -force                   irreversibly clear local data`)
}

func openApp() (*appcli.App, error) {
	cfg, err := appcli.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return appcli.NewApp(cfg, logger)
}

func cmdSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	mnemonic := fs.String("mnemonic", "", "restore the seed from a 24-word mnemonic")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := appcli.LoadConfig()
	if err != nil {
		return err
	}

	if *mnemonic != "" {
		seed, err := offline.ParseMnemonic(*mnemonic)
		if err != nil {
			return err
		}
		cfg.Seed = fmt.Sprintf("%x", seed.Raw)
		if err := appcli.SaveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("seed restored from mnemonic")
		return nil
	}

	phrase, seed, err := offline.NewMnemonic()
	if err != nil {
		return err
	}
	cfg.Seed = fmt.Sprintf("%x", seed.Raw)
	if err := appcli.SaveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("Store this mnemonic somewhere safe; it is the only way to")
	fmt.Println("re-key this practice on another device:")
	fmt.Println()
	fmt.Println("  " + phrase)
	return nil
}

func cmdEnqueue(args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	typ := fs.String("type", "", "entity type, e.g. pets")
	id := fs.String("id", "", "entity id")
	op := fs.String("op", "update", "create, update or delete")
	payload := fs.String("payload", "", "JSON payload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()

	opID, err := app.Enqueue(context.Background(), *typ, *id, offline.Op(*op), *payload)
	if err != nil {
		return err
	}
	fmt.Println("queued", opID)
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	typ := fs.String("type", "", "entity type")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()

	recs, err := app.List(context.Background(), *typ)
	if err != nil {
		return err
	}
	for _, r := range recs {
		fmt.Printf("%s\tv%d (server v%d)\t%s\t%s\n",
			r.EntityID, r.LocalVersion, r.ServerVersion,
			r.UpdatedAt.Format(time.RFC3339), string(r.Payload))
	}
	return nil
}

func cmdSync(args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()

	res, err := app.Sync(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("synced=%d failed=%d conflicts=%d in %s\n",
		res.Synced, res.Failed, res.Conflicts, res.Duration.Round(time.Millisecond))
	return nil
}

func cmdStatus(args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()

	es, ss, err := app.Status(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("queue: %d pending, %d failed, %d conflicted (est. %s to sync)\n",
		es.Queue.Pending, es.Queue.Failed, es.Queue.Conflicted, es.Queue.EstimatedSyncTime)
	for typ, n := range es.Queue.ByEntityType {
		fmt.Printf("  %s: %d outstanding\n", typ, n)
	}
	if !es.LastSyncTime.IsZero() {
		fmt.Println("last sync:", es.LastSyncTime.Format(time.RFC3339))
	}
	fmt.Printf("storage: %d bytes of %d (%.1f%%, warn=%s)\n",
		ss.TotalUsage, ss.QuotaBytes, ss.PercentUsed, ss.Warn)
	return nil
}

func cmdConflicts(args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()

	conflicts, err := app.Conflicts(context.Background())
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Println("no unresolved conflicts")
		return nil
	}
	for _, c := range conflicts {
		auto := ""
		if c.AutoResolvable {
			auto = " (auto-resolvable)"
		}
		fmt.Printf("%s\t%s/%s\t%s\tseverity=%s\tfields=%v%s\n",
			c.ID, c.EntityType, c.EntityID, c.Type, c.Severity, c.AffectedFields, auto)
	}
	return nil
}

func cmdResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	id := fs.String("id", "", "conflict id")
	strategy := fs.String("strategy", "", "resolution strategy")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()

	if err := app.Resolve(context.Background(), *id, offline.Strategy(*strategy)); err != nil {
		return err
	}
	fmt.Println("resolved", *id)
	return nil
}

func cmdRetry(args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()

	n, err := app.RetryFailed(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("requeued %d operations\n", n)
	return nil
}

func cmdWipe(args []string) error {
	fs := flag.NewFlagSet("wipe", flag.ExitOnError)
	force := fs.Bool("force", false, "confirm the irreversible wipe")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		return fmt.Errorf("wipe is irreversible; pass -force to confirm")
	}

	app, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()

	if err := app.Wipe(context.Background()); err != nil {
		return err
	}
	fmt.Println("all local data cleared")
	return nil
}
