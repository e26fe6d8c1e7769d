// Package app assembles the graph store and services from configuration.
// The binaries under cmd share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"fraudgraph.org/internal/alerts"
	"fraudgraph.org/internal/audit"
	"fraudgraph.org/internal/config"
	"fraudgraph.org/internal/detect"
	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/ingest"
	"fraudgraph.org/internal/migrate"
	"fraudgraph.org/internal/obs"
	"fraudgraph.org/internal/query"
	"fraudgraph.org/internal/rules"
	"fraudgraph.org/internal/store/neo4j"
	"fraudgraph.org/internal/store/pg"
	"fraudgraph.org/internal/stream"
)

// App holds the wired components. Close releases the store and the Kafka
// writer.
type App struct {
	Store   graph.Store
	Logs    audit.GraphSink
	Audit   audit.Sink
	Hub     *stream.Hub
	Ingest  *ingest.Pipeline
	Rules   *rules.Catalog
	Engine  *detect.Engine
	Alerts  *alerts.Service
	Query   *query.Service
	closers []func(context.Context) error
}

// OpenStore connects the configured graph store, applying the schema.
func OpenStore(ctx context.Context, cfg config.Config) (graph.Store, func(context.Context) error, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		s, err := pg.Open(cfg.PG.DSN, cfg.PG.MaxOpenConns, cfg.PG.ConnMaxLifetime)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		closeFn := func(context.Context) error { return s.Close() }
		if cfg.PG.Migrate {
			n, err := migrate.NewManager(s.DB()).Up(ctx)
			if err != nil {
				_ = s.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
			obs.Logger().InfoContext(ctx, "schema up to date", "applied", n)
		}
		return s, closeFn, nil
	case config.DriverNeo4j:
		s, err := neo4j.Open(cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("open neo4j: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return graph.NewMemory(), func(context.Context) error { return nil }, nil
	}
}

// New opens the store and wires every service on top of it.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{
		Store:   store,
		Logs:    audit.GraphSink{Store: store},
		Hub:     stream.NewHub(),
		closers: []func(context.Context) error{closeStore},
	}
	a.Audit = audit.Multi{audit.LogSink{}, a.Logs}

	var publisher stream.Publisher = a.Hub
	if len(cfg.Kafka.Brokers) > 0 {
		kp := stream.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		publisher = stream.Fanout{a.Hub, kp}
		a.closers = append(a.closers, func(context.Context) error { return kp.Close() })
		obs.Logger().InfoContext(ctx, "publishing alerts to kafka", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	}

	a.Ingest = ingest.New(store, a.Audit)
	a.Rules = rules.New(store, a.Audit)
	a.Engine = detect.New(store, a.Rules, detect.WithAudit(a.Audit), detect.WithPublisher(publisher))
	a.Alerts = alerts.New(store, a.Audit)
	a.Query = query.New(store)

	if err := a.Engine.EnsureDefaultRules(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}
