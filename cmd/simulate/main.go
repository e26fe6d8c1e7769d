// Command simulate generates synthetic transactions with planted fraud
// patterns. It either writes them as a CSV ready for import or pushes them
// to a running API in concurrent batches.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"fraudgraph.org/internal/client"
	"fraudgraph.org/internal/ingest"
	"fraudgraph.org/internal/sim"
)

func main() {
	var (
		baseURL    = flag.String("base-url", "http://localhost:8080", "API base URL")
		username   = flag.String("user", "admin", "operator username")
		password   = flag.String("password", os.Getenv("FRAUDGRAPH_SIM_PASSWORD"), "operator password")
		workers    = flag.Int("workers", 4, "concurrent upload workers")
		batches    = flag.Int("batches", 20, "number of batches to send")
		batchSize  = flag.Int("batch-size", 50, "records per batch")
		fraudEvery = flag.Int("fraud-every", 10, "plant a pattern roughly every n records (0 disables)")
		seed       = flag.Int64("seed", 0, "generator seed (0 picks one from the clock)")
		out        = flag.String("out", "", "write a CSV to this path instead of calling the API (- for stdout)")
		detect     = flag.Bool("detect", true, "trigger a detection run after the upload")
	)
	flag.Parse()

	gen := sim.NewGenerator(*seed)
	if *out != "" {
		total := *batches * *batchSize
		if err := writeFile(gen, *out, total, *fraudEvery); err != nil {
			log.Fatalf("write csv: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Printf("simulating: base=%s run=%s workers=%d batches=%d size=%d", *baseURL, gen.RunID, *workers, *batches, *batchSize)
	if *password == "" {
		log.Fatal("missing password: pass -password or set FRAUDGRAPH_SIM_PASSWORD")
	}
	api := client.New(*baseURL)
	if err := api.Login(ctx, *username, *password); err != nil {
		log.Fatalf("login: %v", err)
	}

	// The generator is sequential; batches are produced up front and the
	// workers only upload.
	type job struct {
		records []ingest.Record
		planted []sim.Pattern
	}
	jobs := make(chan job, *batches)
	for i := 0; i < *batches; i++ {
		recs, planted := gen.Batch(*batchSize, *fraudEvery)
		jobs <- job{recs, planted}
	}
	close(jobs)

	var (
		counter     sim.Counter
		successes   int64
		failures    int64
		rateLimited int64
		recordErrs  int64
		wg          sync.WaitGroup
	)
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range jobs {
				if ctx.Err() != nil {
					return
				}
				for attempt := 0; ; attempt++ {
					report, err := api.Ingest(ctx, j.records)
					if errors.Is(err, client.ErrRateLimited) && attempt < 5 {
						atomic.AddInt64(&rateLimited, 1)
						time.Sleep(time.Duration(attempt+1) * 250 * time.Millisecond)
						continue
					}
					if err != nil {
						log.Printf("worker %d upload: %v", id, err)
						atomic.AddInt64(&failures, 1)
						break
					}
					atomic.AddInt64(&successes, 1)
					atomic.AddInt64(&recordErrs, int64(report.Errors))
					counter.Add(j.records, j.planted)
					break
				}
			}
		}(i)
	}
	wg.Wait()

	sum := counter.Summary()
	log.Printf("upload complete: %d batches ok / %d failed (rate_limited=%d), %d records, %d rejected, volume %s %s",
		successes, failures, rateLimited, sum.Records, recordErrs, sum.Volume.StringFixed(2), sum.Currency)
	for _, p := range sim.Patterns {
		log.Printf("  planted %-14s %d", p, sum.Planted[p])
	}

	if *detect && successes > 0 {
		stats, err := api.Detect(ctx)
		if err != nil {
			log.Fatalf("detect: %v", err)
		}
		log.Printf("detection finished: %d rules, %d new alerts, failed=%v", stats.RulesExecuted, stats.NewAlerts, stats.FailedRules)
	}
}

func writeFile(gen *sim.Generator, path string, n, fraudEvery int) error {
	records, planted := gen.Batch(n, fraudEvery)
	w := os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := sim.WriteCSV(w, records); err != nil {
		return err
	}
	log.Printf("wrote %d records (%d planted patterns) for run %s", len(records), len(planted), gen.RunID)
	return nil
}
