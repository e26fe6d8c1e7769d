package sim_test

import (
	"bytes"
	"context"
	"reflect"
	"testing"

	"fraudgraph.org/internal/alerts"
	"fraudgraph.org/internal/app"
	"fraudgraph.org/internal/config"
	"fraudgraph.org/internal/ingest"
	"fraudgraph.org/internal/rules"
	"fraudgraph.org/internal/sim"
)

func TestPlantedPatternTripsItsRule(t *testing.T) {
	cases := map[sim.Pattern]rules.Type{
		sim.PatternHighAmount:   rules.TypeHighAmount,
		sim.PatternSharedIP:     rules.TypeSharedIP,
		sim.PatternBurst:        rules.TypeVelocity,
		sim.PatternMultiAccount: rules.TypeMultiAccount,
	}
	for pattern, want := range cases {
		t.Run(string(pattern), func(t *testing.T) {
			ctx := context.Background()
			a, err := app.New(ctx, config.Config{Store: config.Store{Driver: config.DriverMemory}})
			if err != nil {
				t.Fatalf("app: %v", err)
			}
			defer a.Close(ctx)

			g := sim.NewGenerator(42)
			records := []ingest.Record{g.Normal(), g.Normal()}
			records = append(records, g.Plant(pattern)...)
			records = append(records, g.Normal())

			report, err := a.Ingest.IngestFrom(ctx, "sim", records)
			if err != nil {
				t.Fatalf("ingest: %v", err)
			}
			if report.Errors != 0 || report.Processed != len(records) {
				t.Fatalf("unexpected report: %+v", report)
			}
			stats, err := a.Engine.Run(ctx)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if stats.NewAlerts == 0 {
				t.Fatalf("expected alerts for %s, got none", pattern)
			}
			list, err := a.Alerts.List(ctx, alerts.Filter{})
			if err != nil {
				t.Fatal(err)
			}
			for _, v := range list {
				if v.Rule != string(want) {
					t.Fatalf("pattern %s raised an alert from rule %s", pattern, v.Rule)
				}
			}
		})
	}
}

func TestBackgroundTrafficIsQuiet(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, config.Config{Store: config.Store{Driver: config.DriverMemory}})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	defer a.Close(ctx)

	records, planted := sim.NewGenerator(7).Batch(40, 0)
	if len(planted) != 0 || len(records) != 40 {
		t.Fatalf("got %d records, %d planted", len(records), len(planted))
	}
	if _, err := a.Ingest.IngestFrom(ctx, "sim", records); err != nil {
		t.Fatal(err)
	}
	stats, err := a.Engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.NewAlerts != 0 {
		t.Fatalf("background traffic raised %d alerts", stats.NewAlerts)
	}
}

func TestBatchIsDeterministicPerSeed(t *testing.T) {
	a, pa := sim.NewGenerator(99).Batch(25, 4)
	b, pb := sim.NewGenerator(99).Batch(25, 4)
	if !reflect.DeepEqual(a, b) || !reflect.DeepEqual(pa, pb) {
		t.Fatal("same seed produced different batches")
	}
	if len(a) < 25 {
		t.Fatalf("batch shorter than requested: %d", len(a))
	}
}

func TestWriteCSVReadsBack(t *testing.T) {
	records, _ := sim.NewGenerator(3).Batch(10, 2)
	var buf bytes.Buffer
	if err := sim.WriteCSV(&buf, records); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	got, err := ingest.ParseCSV(&buf)
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if !reflect.DeepEqual(got, records) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, records)
	}
}

func TestCounterSummary(t *testing.T) {
	var c sim.Counter
	c.Add([]ingest.Record{
		{Amount: "10.50", Currency: "EUR"},
		{Amount: "4.25", Currency: "EUR"},
	}, []sim.Pattern{sim.PatternBurst})
	c.Add(nil, []sim.Pattern{sim.PatternBurst, sim.PatternSharedIP})

	s := c.Summary()
	if s.Records != 2 || s.Volume.String() != "14.75" || s.Currency != "EUR" {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.Planted[sim.PatternBurst] != 2 || s.Planted[sim.PatternSharedIP] != 1 {
		t.Fatalf("unexpected planted counts: %+v", s.Planted)
	}
}
