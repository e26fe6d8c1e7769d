package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"fraudgraph.org/internal/client"
	"fraudgraph.org/internal/sim"
)

func main() {
	base := os.Getenv("FRAUDGRAPH_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	user := os.Getenv("FRAUDGRAPH_SMOKE_USER")
	if user == "" {
		user = "admin"
	}
	password := os.Getenv("FRAUDGRAPH_SMOKE_PASSWORD")
	if password == "" {
		log.Fatal("FRAUDGRAPH_SMOKE_PASSWORD is required")
	}

	ctx, cancel := client.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	api := client.New(base)
	if err := api.Healthy(ctx); err != nil {
		log.Fatalf("health check %s: %v", base, err)
	}
	if err := api.Login(ctx, user, password); err != nil {
		log.Fatalf("login: %v", err)
	}

	g := sim.NewGenerator(time.Now().UnixNano())
	batch := g.Plant(sim.PatternHighAmount)
	report, err := api.Ingest(ctx, batch)
	if err != nil {
		log.Fatalf("ingest: %v", err)
	}
	if report.Errors != 0 {
		log.Fatalf("ingest rejected records: %+v", report.ErrorDetails)
	}
	if _, err := api.Detect(ctx); err != nil {
		log.Fatalf("detect: %v", err)
	}

	list, err := api.Alerts(ctx, "NEW", 500)
	if err != nil {
		log.Fatalf("alerts: %v", err)
	}
	for _, a := range list {
		if a.TxID == batch[0].TxID {
			fmt.Printf("smoke test passed: alert %s raised on %s\n", a.ID, a.TxID)
			return
		}
	}
	log.Fatalf("no alert raised on planted transaction %s", batch[0].TxID)
}
