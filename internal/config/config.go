// Package config loads process configuration from an optional file and
// FRAUDGRAPH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: http.addr is read from
// FRAUDGRAPH_HTTP_ADDR.
const EnvPrefix = "FRAUDGRAPH"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverNeo4j    = "neo4j"
)

type Config struct {
	HTTP      HTTP      `mapstructure:"http"`
	Store     Store     `mapstructure:"store"`
	PG        PG        `mapstructure:"pg"`
	Neo4j     Neo4j     `mapstructure:"neo4j"`
	Auth      Auth      `mapstructure:"auth"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Log       Log       `mapstructure:"log"`
	Detection Detection `mapstructure:"detection"`
	Rate      Rate      `mapstructure:"rate"`
}

type HTTP struct {
	Addr         string   `mapstructure:"addr"`
	MaxBodyBytes int64    `mapstructure:"max_body_bytes"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
}

type Store struct {
	Driver string `mapstructure:"driver"`
}

type PG struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type Neo4j struct {
	URI      string `mapstructure:"uri"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type Auth struct {
	Secret            string        `mapstructure:"secret"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	BootstrapUser     string        `mapstructure:"bootstrap_user"`
	BootstrapPassword string        `mapstructure:"bootstrap_password"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type Detection struct {
	Interval time.Duration `mapstructure:"interval"`
}

type Rate struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("pg.dsn", "")
	v.SetDefault("pg.max_open_conns", 10)
	v.SetDefault("pg.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("pg.migrate", true)
	v.SetDefault("neo4j.uri", "neo4j://localhost:7687")
	v.SetDefault("neo4j.user", "neo4j")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bootstrap_user", "")
	v.SetDefault("auth.bootstrap_password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "fraudgraph.alerts")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("detection.interval", time.Duration(0))
	v.SetDefault("rate.per_second", 20.0)
	v.SetDefault("rate.burst", 40)
}

// Load reads path when non-empty, then applies environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// Lists arrive from the environment as one comma separated string.
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.HTTP.CORSOrigins = splitList(cfg.HTTP.CORSOrigins)
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	return cfg, cfg.Validate()
}

// Validate checks the settings the selected components depend on.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.PG.DSN == "" {
			errs = append(errs, errors.New("pg.dsn is required for the postgres store"))
		}
	case DriverNeo4j:
		if c.Neo4j.URI == "" {
			errs = append(errs, errors.New("neo4j.uri is required for the neo4j store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when kafka.brokers is set"))
	}
	if c.Detection.Interval < 0 {
		errs = append(errs, errors.New("detection.interval must not be negative"))
	}
	return errors.Join(errs...)
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
