// Package config loads the fluxgraph server configuration from YAML.
//
// Fields missing from the file keep their defaults. A handful of settings
// can be overridden from the environment so containers need no file at
// all; see ApplyEnv.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultConfigYAML = `# fluxgraph configuration
database:
  driver: sqlite
  dsn: file:fluxgraph.db?_pragma=busy_timeout(5000)

redis:
  addr: ""
  prefix: "fluxgraph:idempotency:"

mongo:
  uri: ""
  database: fluxgraph

server:
  addr: ":8080"
  webhook_rate: 10
  webhook_burst: 20

worker:
  enabled: true
  poll_interval: 1s
  concurrency: 8
  batch_size: 16
  lease_ttl: 30s
  recover_orphans: true

engine:
  idempotency_window: 24h
  cascade_terminate: false
  cache_size: 1024
  cache_ttl: 5s
  debugger: true

log:
  level: info
  format: auto
`

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Redis, when Addr is set, backs the idempotency guard so that several
// processes share dedup keys.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Mongo, when URI is set, receives the execution log instead of the
// primary database.
type Mongo struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type Server struct {
	Addr         string  `yaml:"addr"`
	WebhookRate  float64 `yaml:"webhook_rate"`
	WebhookBurst int     `yaml:"webhook_burst"`
}

type Worker struct {
	Enabled        bool          `yaml:"enabled"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Concurrency    int           `yaml:"concurrency"`
	BatchSize      int           `yaml:"batch_size"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	RecoverOrphans bool          `yaml:"recover_orphans"`
}

type Limits struct {
	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions"`
	MaxStateBytes           int           `yaml:"max_state_bytes"`
	MaxNodeTime             time.Duration `yaml:"max_node_time"`
}

type Engine struct {
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`
	CascadeTerminate  bool          `yaml:"cascade_terminate"`
	// CacheSize of zero disables the execution read cache.
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	Debugger  bool          `yaml:"debugger"`
	Limits    Limits        `yaml:"limits"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root of the configuration file.
type Config struct {
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Mongo    Mongo    `yaml:"mongo"`
	Server   Server   `yaml:"server"`
	Worker   Worker   `yaml:"worker"`
	Engine   Engine   `yaml:"engine"`
	Log      Log      `yaml:"log"`

	// Workflows lists definition files registered at startup.
	Workflows []string `yaml:"workflows,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), &cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// DefaultYAML returns the annotated default configuration file.
func DefaultYAML() string { return defaultConfigYAML }

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the file at path. An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from FLUXGRAPH_* variables read through
// lookup, normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"FLUXGRAPH_DB_DRIVER":  &c.Database.Driver,
		"FLUXGRAPH_DB_DSN":     &c.Database.DSN,
		"FLUXGRAPH_REDIS_ADDR": &c.Redis.Addr,
		"FLUXGRAPH_MONGO_URI":  &c.Mongo.URI,
		"FLUXGRAPH_ADDR":       &c.Server.Addr,
		"FLUXGRAPH_LOG_LEVEL":  &c.Log.Level,
		"FLUXGRAPH_LOG_FORMAT": &c.Log.Format,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	if v, ok := lookup("FLUXGRAPH_WORKER_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: FLUXGRAPH_WORKER_CONCURRENCY: %w", err)
		}
		c.Worker.Concurrency = n
	}
	return c.Validate()
}

// Validate checks the settings that have no sensible fallback.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of memory, sqlite, postgres", c.Database.Driver))
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.database is required when mongo.uri is set"))
	}
	if c.Worker.Concurrency < 0 || c.Worker.BatchSize < 0 {
		errs = append(errs, errors.New("worker.concurrency and worker.batch_size must not be negative"))
	}
	if c.Server.WebhookRate < 0 {
		errs = append(errs, errors.New("server.webhook_rate must not be negative"))
	}
	if c.Engine.Limits.MaxConcurrentExecutions < 0 || c.Engine.Limits.MaxStateBytes < 0 {
		errs = append(errs, errors.New("engine.limits must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
