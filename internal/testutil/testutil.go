// Package testutil provides shared test infrastructure for integration tests
// that need a real PostgreSQL target.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    pg := testutil.StartPostgres(t)
//	    conn, _ := pgx.Connect(ctx, pg.DSN)
//	}
package testutil

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Credentials of the test container.
const (
	PostgresUser     = "utsushi"
	PostgresPassword = "utsushi"
	PostgresDB       = "migrated"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	Host      string
	Port      string
	DSN       string
}

// StartPostgres starts a PostgreSQL container for the duration of t. The
// test is skipped when no container provider is available.
func StartPostgres(t *testing.T) *TestContainer {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     PostgresUser,
			"POSTGRES_PASSWORD": PostgresPassword,
			"POSTGRES_DB":       PostgresDB,
		},
		// The entrypoint restarts the server once after init; wait for the
		// second readiness line.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("testutil: failed to start container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("testutil: failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("testutil: failed to get container port: %v", err)
	}

	return &TestContainer{
		Container: container,
		Host:      host,
		Port:      port.Port(),
		DSN:       "postgres://" + PostgresUser + ":" + PostgresPassword + "@" + host + ":" + port.Port() + "/" + PostgresDB + "?sslmode=disable",
	}
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
