package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// GetPostgresDSN returns a pgx DSN for a shared PostgreSQL 16 container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	skipIfShort(t)
	pgOnce.Do(startPostgres)
	skipOnStartErr(t, "postgres", pgErr)
	return pgDSN
}

func startPostgres() {
	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://fluxgraph:fluxgraph@%s:%s/fluxgraph_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "fluxgraph",
			"POSTGRES_PASSWORD": "fluxgraph",
			"POSTGRES_DB":       "fluxgraph_test",
		}),
	)
	if err != nil {
		pgErr = err
		return
	}

	endpoint, err := postgresC.Endpoint(ctx, "")
	if err != nil {
		_ = postgresC.Terminate(context.Background())
		pgErr = err
		return
	}

	pgDSN = fmt.Sprintf("postgres://fluxgraph:fluxgraph@%s/fluxgraph_test?sslmode=disable", endpoint)
}
