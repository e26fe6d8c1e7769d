// Command detect runs every enabled rule once against the configured graph
// store and prints the run statistics as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fraudgraph.org/internal/app"
	"fraudgraph.org/internal/config"
	"fraudgraph.org/internal/obs"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	closer := obs.ConfigureLogger(obs.LogConfig{Level: cfg.Log.Level, File: cfg.Log.File})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	stats, runErr := a.Engine.Run(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(stats)
	if err := a.Close(context.Background()); err != nil {
		log.Printf("close: %v", err)
	}
	if runErr != nil {
		log.Fatalf("detection: %v", runErr)
	}
}
