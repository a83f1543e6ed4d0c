package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Worker.LeaseTTL)
	assert.Equal(t, 24*time.Hour, cfg.Engine.IdempotencyWindow)
	assert.Equal(t, "fluxgraph", cfg.Mongo.Database)
	assert.True(t, cfg.Worker.Enabled)
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  driver: postgres
  dsn: postgres://localhost/fluxgraph
worker:
  concurrency: 32
engine:
  limits:
    max_concurrent_executions: 100
    max_node_time: 10m
workflows:
  - workflows/orders.yaml
`))
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 32, cfg.Worker.Concurrency)
	assert.Equal(t, 16, cfg.Worker.BatchSize, "unset fields keep defaults")
	assert.Equal(t, 100, cfg.Engine.Limits.MaxConcurrentExecutions)
	assert.Equal(t, 10*time.Minute, cfg.Engine.Limits.MaxNodeTime)
	assert.Equal(t, []string{"workflows/orders.yaml"}, cfg.Workflows)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "worker:\n  threads: 4\n",
		"unknown driver": "database:\n  driver: oracle\n",
		"missing dsn":    "database:\n  driver: postgres\n  dsn: \"\"\n",
		"negative limit": "engine:\n  limits:\n    max_state_bytes: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fluxgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: memory\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FLUXGRAPH_DB_DRIVER":          "memory",
		"FLUXGRAPH_REDIS_ADDR":         "localhost:6379",
		"FLUXGRAPH_WORKER_CONCURRENCY": "4",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Worker.Concurrency)

	env["FLUXGRAPH_WORKER_CONCURRENCY"] = "many"
	assert.Error(t, cfg.ApplyEnv(lookup))
}
