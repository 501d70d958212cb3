// Package postgres provides a PostgreSQL implementation of the recon.Storage interface.
// Uniqueness rules are enforced by the schema and surfaced as recon sentinel errors.
// Transactions use pgx savepoints for inserts that may conflict so that a
// duplicate does not abort the surrounding transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// constraintErrors maps unique constraints to the sentinel reported for them.
var constraintErrors = map[string]error{
	"processor_events_provider_external_id_key":         recon.ErrDuplicateEvent,
	"processor_statements_processor_transaction_id_key": recon.ErrDuplicateStatement,
	"reconciliation_discrepancies_transaction_type_key": recon.ErrDuplicateDiscrepancy,
	"reconciliation_runs_single_running_idx":            recon.ErrRunInProgress,
}

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Storage implements recon.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// q is the pool, or the open transaction for views handed to WithinTx
	q    querier
	inTx bool
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema migrations in New
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	if config.AutoMigrate {
		if err := MigrateUp(config.ConnectionString); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config, q: pool}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil && !s.inTx {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithinTx implements recon.Storage. Nested calls join the open transaction.
func (s *Storage) WithinTx(ctx context.Context, fn func(tx recon.Storage) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	view := &Storage{pool: s.pool, config: s.config, q: tx, inTx: true}
	if err := fn(view); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// insert runs a single INSERT. Inside a transaction it is wrapped in a
// savepoint so that a unique violation leaves the transaction usable.
func (s *Storage) insert(ctx context.Context, sql string, args ...any) error {
	if !s.inTx {
		_, err := s.q.Exec(ctx, sql, args...)
		return mapError(err)
	}

	sp, err := s.q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, sql, args...); err != nil {
		//nolint:errcheck // the original error is more useful than a rollback failure
		_ = sp.Rollback(ctx)
		return mapError(err)
	}
	return sp.Commit(ctx)
}

// update runs an UPDATE and reports notFound when no row matched.
func (s *Storage) update(ctx context.Context, notFound error, sql string, args ...any) error {
	tag, err := s.q.Exec(ctx, sql, args...)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return notFound
	}
	return nil
}

// mapError converts unique violations into recon sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if sentinel, ok := constraintErrors[pgErr.ConstraintName]; ok {
			return sentinel
		}
	}
	return err
}

// notFound maps pgx.ErrNoRows to sentinel and wraps anything else.
func notFound(err error, sentinel error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// nullJSON stores an empty payload as SQL NULL.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
