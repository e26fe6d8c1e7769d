package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Store.Driver != DriverMemory {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Auth.TokenTTL != 24*time.Hour || cfg.Rate.Burst != 40 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Detection.Interval != 0 || len(cfg.Kafka.Brokers) != 0 {
		t.Fatalf("detection and kafka should be off by default: %+v", cfg)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fraudgraph.yaml")
	body := `
http:
  addr: ":9090"
store:
  driver: postgres
pg:
  dsn: postgres://file/db
detection:
  interval: 5m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FRAUDGRAPH_PG_DSN", "postgres://env/db")
	t.Setenv("FRAUDGRAPH_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("FRAUDGRAPH_AUTH_TOKEN_TTL", "90m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Store.Driver != DriverPostgres {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.PG.DSN != "postgres://env/db" {
		t.Fatalf("env should override file, got %q", cfg.PG.DSN)
	}
	if cfg.Detection.Interval != 5*time.Minute || cfg.Auth.TokenTTL != 90*time.Minute {
		t.Fatalf("durations: %v %v", cfg.Detection.Interval, cfg.Auth.TokenTTL)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers=%v", cfg.Kafka.Brokers)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]Config{
		"unknown driver":    {Store: Store{Driver: "sqlite"}},
		"postgres no dsn":   {Store: Store{Driver: DriverPostgres}},
		"neo4j no uri":      {Store: Store{Driver: DriverNeo4j}},
		"kafka no topic":    {Store: Store{Driver: DriverMemory}, Kafka: Kafka{Brokers: []string{"k:9092"}}},
		"negative interval": {Store: Store{Driver: DriverMemory}, Detection: Detection{Interval: -time.Second}},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if err := (Config{Store: Store{Driver: DriverMemory}}).Validate(); err != nil {
		t.Fatalf("memory config should validate: %v", err)
	}
}
