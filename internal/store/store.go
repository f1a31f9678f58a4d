// Package store is the durable job store: the single authoritative state
// machine for jobs, their history, and node reservations.
//
// Every state change is a conditional update on the expected prior state, so
// any number of schedulers and supervisors can share one database without
// in-memory coordination. SQLite (modernc.org/sqlite) is the default backend;
// a postgres:// DSN selects PostgreSQL through pgx.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"agency/internal/apperrors"
	"agency/pkg/backoff"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // registers the "sqlite" database/sql driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrConflict is returned when a conditional update finds a different state
// than expected. The store is unchanged when it is returned.
var ErrConflict = fmt.Errorf("store: %w", apperrors.ErrConflict)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Options tunes a Store. Zero values use defaults.
type Options struct {
	Timeout    time.Duration    // per-operation deadline (default: 5s)
	ClaimGrace time.Duration    // how long a claimed job waits for a supervisor lease (default: 30s)
	Now        func() time.Time // clock, for tests
}

// Store is a SQL-backed job store.
type Store struct {
	db         *sql.DB
	dialect    dialect
	timeout    time.Duration
	claimGrace time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Open connects to dsn, applies pending migrations, and returns a Store.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	s := &Store{
		timeout:    opts.Timeout,
		claimGrace: opts.ClaimGrace,
		now:        opts.Now,
		logger:     slog.With("component", "store"),
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	if s.claimGrace <= 0 {
		s.claimGrace = 30 * time.Second
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}

	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		s.dialect = dialectPostgres
		s.db, err = sql.Open("pgx", dsn)
	} else {
		s.dialect = dialectSQLite
		s.db, err = openSQLite(dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		s.db.Close()
		return nil, err
	}
	s.logger.Info("Store opened", "backend", s.backend())
	return s, nil
}

// openSQLite applies the production pragmas on every connection through the
// DSN and serializes access through a single connection.
func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir: %w", err)
		}
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func (s *Store) backend() string {
	if s.dialect == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Unavailable("store.ping", err)
	}
	return nil
}

// Ready implements health.ReadinessChecker.
func (s *Store) Ready(ctx context.Context) error {
	return s.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	slices.Sort(files)

	for _, file := range files {
		version := filepath.Base(file)
		var applied int
		if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), version).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if applied > 0 {
			continue
		}
		body, err := migrationFS.ReadFile(file)
		if err != nil {
			return err
		}
		err = s.runTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return fmt.Errorf("apply migration %s: %w", version, err)
			}
			_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), version, millis(s.now()))
			return err
		})
		if err != nil {
			return err
		}
		s.logger.Info("Migration applied", "version", version)
	}
	return nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const maxBusyRetries = 3

// runTx executes fn inside a transaction, retrying when SQLite reports the
// database as busy.
func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	for i := range maxBusyRetries {
		err := s.runOnce(ctx, fn)
		if err == nil || !isBusy(err) || i == maxBusyRetries-1 {
			return err
		}
		s.logger.Debug("Database busy, retrying transaction", "attempt", i+1)
		if err := backoff.Sleep(ctx, time.Duration(100*(i+1))*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) runOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// wrap classifies a database error for op. Application errors pass through;
// anything else means the store could not serve the request.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Unavailable(op, err)
}

func conflict(id, reason string) error {
	return &apperrors.Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: "job",
		ID:       id,
	}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
