// Copyright 2025 Gaigentic AI
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/gaigenticai/regulens/shared/errs"
	"github.com/gaigenticai/regulens/shared/logger"
)

// Pool defaults. MaxConns bounds concurrent connections, MinConns keeps an
// idle set warm, and AcquireTimeout bounds how long any operation may wait
// for a connection from a saturated pool.
const (
	DefaultMaxConns        = 25
	DefaultMinConns        = 5
	DefaultAcquireTimeout  = 30 * time.Second
	DefaultConnMaxLifetime = 5 * time.Minute
)

// Config controls the connection pool backing a Store.
type Config struct {
	URL             string
	MaxConns        int
	MinConns        int
	AcquireTimeout  time.Duration
	ConnMaxLifetime time.Duration
}

// withDefaults fills zero-valued fields with pool defaults.
func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns <= 0 {
		c.MinConns = DefaultMinConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	return c
}

// Store is the shared PostgreSQL access layer. All operations apply the
// configured acquire timeout as a context deadline, so callers never block
// indefinitely on an exhausted pool.
type Store struct {
	db             *sql.DB
	acquireTimeout time.Duration
	log            *logger.Logger
}

// Open connects to PostgreSQL and verifies the connection with a ping.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	if cfg.URL == "" {
		return nil, errs.Validation("store", "Open", "database URL is required", nil)
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errs.Persistence("store", "Open", "failed to open connection", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.AcquireTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.Persistence("store", "Open", "failed to ping database", err)
	}

	st := &Store{
		db:             db,
		acquireTimeout: cfg.AcquireTimeout,
		log:            logger.New("store"),
	}

	st.log.Info("", "", "Connected to PostgreSQL", map[string]interface{}{
		"max_conns": cfg.MaxConns,
		"min_conns": cfg.MinConns,
	})

	return st, nil
}

// NewWithDB wraps an existing database handle. Used by tests to inject a
// mocked connection.
func NewWithDB(db *sql.DB) *Store {
	return &Store{
		db:             db,
		acquireTimeout: DefaultAcquireTimeout,
		log:            logger.New("store"),
	}
}

// opCtx derives a context bounded by the acquire timeout. The caller's
// deadline still applies if it is earlier.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.acquireTimeout)
}

// Exec runs a write statement with parameter binding.
func (s *Store) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(opCtx, query, args...)
	if err != nil {
		return nil, errs.Persistence("store", "Exec", "statement execution failed", err)
	}
	return result, nil
}

// Query runs a SELECT returning multiple rows. The caller owns rows.Close.
func (s *Store) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, errs.Persistence("store", "Query", "query execution failed", err)
	}
	return rows, nil
}

// QueryRow runs a SELECT expected to return at most one row. Errors surface
// from Scan, matching database/sql semantics.
func (s *Store) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.db.QueryRowContext(opCtx, query, args...)
}

// WithTx runs fn inside a transaction. The transaction is rolled back if fn
// returns an error or panics, and committed otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return errs.Persistence("store", "WithTx", "failed to begin transaction", err)
	}
	// Rollback after a successful commit is a no-op.
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errs.Persistence("store", "WithTx", "failed to commit transaction", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.db.PingContext(opCtx); err != nil {
		return errs.Persistence("store", "Ping", "database unreachable", err)
	}
	return nil
}

// Stats exposes the pool counters for health reporting.
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

// DB exposes the underlying handle for batch writers that manage their own
// transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.Persistence("store", "Close", "failed to close pool", err)
	}
	return nil
}
