package app

import (
	"context"
	"testing"

	"fraudgraph.org/internal/config"
	"fraudgraph.org/internal/graph"
)

func TestNewMemorySeedsDefaultRules(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, config.Config{Store: config.Store{Driver: config.DriverMemory}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(ctx)

	if _, ok := a.Store.(*graph.Memory); !ok {
		t.Fatalf("expected the in-memory store, got %T", a.Store)
	}
	list, err := a.Rules.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 default rules, got %d", len(list))
	}

	stats, err := a.Engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.RulesExecuted != 4 || stats.NewAlerts != 0 {
		t.Fatalf("unexpected stats on an empty graph: %+v", stats)
	}
	entries, err := a.Logs.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Actor != "System" {
		t.Fatalf("expected one system audit entry, got %+v", entries)
	}
}
