// Package store is the PostgreSQL persistence layer: memory nodes with
// pgvector embeddings, the hierarchical tag vocabulary, robot registrations
// and their working-memory flags, and external file sources.
//
// All access goes through a pgxpool.Pool. Every method takes a
// context.Context and returns errors from the memerr taxonomy:
//
//   - memerr.NotFound for missing rows
//   - memerr.Conflict for unique violations that survive the transparent retry
//   - memerr.ResourceUnavailable when the pool cannot hand out a connection
//     within the acquire timeout
//   - memerr.ServiceUnavailable when Postgres itself is unreachable
//
// The package owns the schema (see EnsureSchema) and never exposes SQL to
// callers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/memerr"
)

// pgUniqueViolation is the SQLSTATE for duplicate keys.
const pgUniqueViolation = "23505"

// Store wraps the connection pool and the query surface.
type Store struct {
	pool           *pgxpool.Pool
	logger         *zap.Logger
	acquireTimeout time.Duration
	queryTimeout   time.Duration
	dimensions     int
}

// Open connects the pool, registers the pgvector codec on every connection,
// and pings the database. It does not create the schema; call EnsureSchema
// for that.
func Open(ctx context.Context, cfg config.DatabaseConfig, dimensions int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, memerr.E(memerr.Config, "parse database url", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize)
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, memerr.E(memerr.ServiceUnavailable, "create connection pool", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, memerr.E(memerr.ServiceUnavailable, "ping database", err)
	}

	s := &Store{
		pool:           pool,
		logger:         logger,
		acquireTimeout: cfg.AcquireTimeout,
		queryTimeout:   cfg.QueryTimeout,
		dimensions:     dimensions,
	}
	logger.Info("database connected",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("embedding_dimensions", dimensions))
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for components that need raw access
// (the Postgres job queue, the group notification channel).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies database reachability.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return mapErr("ping", err)
	}
	return nil
}

// PoolUtilization returns acquired/total connections in [0, 1].
func (s *Store) PoolUtilization() float64 {
	st := s.pool.Stat()
	if st.MaxConns() == 0 {
		return 0
	}
	return float64(st.AcquiredConns()) / float64(st.MaxConns())
}

// acquire checks out a connection, bounding the wait by the acquire timeout.
// Exhaustion surfaces as ResourceUnavailable so callers can distinguish a
// saturated pool from a dead database.
func (s *Store) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	conn, err := s.pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, memerr.E(memerr.ResourceUnavailable, "connection pool exhausted", err)
		}
		return nil, mapErr("acquire connection", err)
	}
	return conn, nil
}

// withTx runs fn inside a transaction on a freshly acquired connection,
// committing on nil and rolling back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return mapErr("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr("commit transaction", err)
	}
	return nil
}

// mapErr folds pgx errors into the memerr taxonomy.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return memerr.E(memerr.NotFound, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return memerr.E(memerr.Conflict, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return memerr.E(memerr.ResourceUnavailable, op, err)
	}
	return memerr.E(memerr.ServiceUnavailable, op, err)
}

func isConflict(err error) bool {
	return memerr.KindOf(err) == memerr.Conflict
}
