// Package pgstore is the PostgreSQL backend for the sync queue.
//
// It serves deployments where several worker processes claim batches from
// one database. Claims use FOR UPDATE SKIP LOCKED, so concurrent workers
// never wait on each other's rows, and every transaction is retried with
// backoff on serialization failures, deadlocks and lock timeouts.
//
// Semantics match store.Store exactly, including the sentinel errors
// store.ErrNotFound and store.ErrStaleStatus.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Retry settings for transactions that lose a lock or serialization race.
const (
	txMaxRetries = 5
	txBaseDelay  = 10 * time.Millisecond
	txMaxDelay   = 500 * time.Millisecond
)

// Store is a PostgreSQL-backed sync queue.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database at dsn and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{pool: pool}, nil
}

// migrate runs the embedded goose migrations over a database/sql handle
// borrowed from the pool.
func migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool returns the underlying pool for direct queries.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// isRetryableTxError reports whether a transaction failed on a
// serialization failure, deadlock or lock timeout.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// withRetry runs fn, retrying it with capped exponential backoff while it
// fails with a retryable transaction error.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(txBaseDelay)
	b = retry.WithCappedDuration(txMaxDelay, b)
	b = retry.WithMaxRetries(txMaxRetries, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if isRetryableTxError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// inTx runs fn in a transaction, retrying the whole transaction on
// retryable errors. fn must reset any state it captured on each call.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, fn)
	})
}
