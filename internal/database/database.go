// Package database owns the persistent tables: source narratives, experiments
// and per-narrative results. Two backends share one implementation and differ
// only in connection setup, migration bookkeeping, error classification and
// duplicate handling: an embedded SQLite file and a networked PostgreSQL server.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotRunning is returned when a write targets an experiment that is no
// longer in the running state.
var ErrNotRunning = errors.New("experiment is not running")

// Backend drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Driver string // DriverSQLite (default) or DriverPostgres
	Path   string // SQLite database file
	DSN    string // PostgreSQL connection string

	// MaxOpenConns caps the PostgreSQL pool. SQLite always uses a single
	// connection.
	MaxOpenConns int

	Logger *zap.Logger
}

// DB wraps a database connection and the dialect that speaks to it.
type DB struct {
	conn    *sql.DB
	path    string
	dialect dialect
	logger  *zap.Logger
}

// Open connects to the configured backend and brings the schema up to date.
func Open(ctx context.Context, opts Options) (*DB, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var d dialect
	var location string
	switch strings.ToLower(opts.Driver) {
	case "", DriverSQLite, "sqlite3":
		d = sqliteDialect{}
		location = opts.Path
	case DriverPostgres, "postgresql", "pq":
		d = postgresDialect{}
		location = opts.DSN
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
	if location == "" {
		return nil, fmt.Errorf("%s backend needs a location", d.name())
	}

	conn, err := d.open(ctx, location, opts)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, path: location, dialect: d, logger: logger.Named("database")}
	if err := db.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates or upgrades all tables and indexes. It is safe to call
// on every start.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if err := migrate(ctx, db.conn, db.dialect, db.logger); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path, or the DSN for PostgreSQL.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the backend name.
func (db *DB) Driver() string {
	return db.dialect.name()
}

// Ping checks that the backend is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q rewrites a query written with ? placeholders for the active backend.
func (db *DB) q(query string) string {
	return db.dialect.rebind(query)
}

// inTx runs fn inside a transaction, committing only when fn succeeds.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// now is replaced in tests that need a fixed clock.
var now = func() time.Time { return time.Now().UTC() }

// Timestamps are stored as fixed-width UTC text so they sort lexically on
// both backends.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
