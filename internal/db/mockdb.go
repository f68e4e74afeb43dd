package db

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testImage = "postgres:16-alpine"
	testRole  = "scheduler"
)

func testDSN(host, port string) string {
	return fmt.Sprintf("postgres://%[1]s:%[1]s@%[2]s:%[3]s/%[1]s?sslmode=disable", testRole, host, port)
}

// StartTestPostgres runs a throwaway Postgres container with the schema
// applied and returns a store over it. Skipped under -short.
func StartTestPostgres(t testing.TB) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image: testImage,
			Env: map[string]string{
				"POSTGRES_USER":     testRole,
				"POSTGRES_PASSWORD": testRole,
				"POSTGRES_DB":       testRole,
			},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
				return testDSN(host, port.Port())
			}).WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	db, err := Open(ctx, testDSN(host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	quiet := log.New()
	quiet.SetOutput(io.Discard)

	// The server may still be finishing init scripts when it first answers.
	require.Eventually(t, func() bool {
		return db.MigrateUp(quiet) == nil
	}, 30*time.Second, 500*time.Millisecond, "apply migrations")
	return db
}
