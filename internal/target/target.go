// Package target inspects a migrated PostgreSQL target.
package target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// countObjectsSQL counts user relations: tables, partitioned tables, views
// and materialized views outside the system schemas.
const countObjectsSQL = `
SELECT count(*)
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'p', 'v', 'm')
  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
  AND n.nspname NOT LIKE 'pg_toast%'`

// DSN builds a connection string for a target published on host:port.
func DSN(host, port, user, password, database string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + database,
		RawQuery: "sslmode=disable&connect_timeout=10",
	}
	return u.String()
}

// Inspector queries a target database.
type Inspector struct {
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
}

// NewInspector creates an Inspector that retries connections refused by a
// target that is still starting.
func NewInspector(logger *slog.Logger) *Inspector {
	return &Inspector{logger: logger, maxRetries: 3, baseDelay: 500 * time.Millisecond}
}

// CountObjects returns the number of user relations in the database at dsn.
func (i *Inspector) CountObjects(ctx context.Context, dsn string) (int, error) {
	var n int
	err := withRetry(ctx, i.maxRetries, i.baseDelay, func() error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			i.logger.Debug("target: connect failed", "error", err)
			return err
		}
		defer func() { _ = conn.Close(ctx) }()
		return conn.QueryRow(ctx, countObjectsSQL).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("target: count objects: %w", err)
	}
	return n, nil
}

// isRetriable reports connection failures and the "starting up" error a
// fresh container returns before it accepts queries.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "57P03" // cannot_connect_now
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

// withRetry executes fn, retrying up to maxRetries times on retriable errors
// with jittered exponential backoff starting at baseDelay.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
