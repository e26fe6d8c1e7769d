package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"fraudgraph.org/internal/config"
	"fraudgraph.org/internal/migrate"
	"fraudgraph.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		configPath = flag.String("config", "", "path to a config file")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN (overrides pg.dsn)")
		table      = flag.String("table", "", "migrations bookkeeping table")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil && *dsn == "" {
		log.Fatalf("config: %v", err)
	}
	if *dsn != "" {
		cfg.PG.DSN = *dsn
	}
	if cfg.PG.DSN == "" {
		log.Fatal("missing DSN: provide -dsn or FRAUDGRAPH_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(cfg.PG.DSN, 2, 0)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrate.WithMigrationsTable(*table))

	switch flag.Arg(0) {
	case "up":
		var n int
		n, err = mgr.Up(ctx)
		if err == nil {
			fmt.Printf("applied %d migration(s)\n", n)
		}
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
