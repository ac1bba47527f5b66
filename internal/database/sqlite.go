package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type sqliteDialect struct{}

func (sqliteDialect) name() string { return DriverSQLite }

func (sqliteDialect) open(ctx context.Context, path string, _ Options) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection per DB; concurrent writers each open their own DB.
	conn.SetMaxOpenConns(1)

	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	return conn, nil
}

func (sqliteDialect) migrations() []Migration { return sqliteMigrations }

// schemaVersion reads PRAGMA user_version from the database.
func (sqliteDialect) schemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// setSchemaVersion runs outside the migration transaction (modernc/sqlite
// requirement). If we crash in between, the idempotent DDL lets the migration
// re-run.
func (sqliteDialect) setSchemaVersion(ctx context.Context, conn *sql.DB, m Migration) error {
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("setting version %d: %w", m.Version, err)
	}
	return nil
}

// hasLegacyTables returns true if the database has tables but no user_version
// set. This detects databases created before the migration system existed.
func (sqliteDialect) hasLegacyTables(ctx context.Context, conn *sql.DB) (bool, error) {
	var count int
	err := conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='experiments'",
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking for legacy tables: %w", err)
	}
	return count > 0, nil
}

func (sqliteDialect) rebind(query string) string { return query }

// insertResult looks for an existing row first. The unique index still
// guards against a concurrent writer that inserts between check and insert.
func (d sqliteDialect) insertResult(ctx context.Context, tx *sql.Tx, r *NarrativeResult) (int64, bool, error) {
	var existing int64
	err := tx.QueryRowContext(ctx,
		`SELECT result_id FROM narrative_results
		WHERE experiment_id = ? AND incident_id = ? AND narrative_type = ?`,
		r.ExperimentID, r.IncidentID, string(r.NarrativeType),
	).Scan(&existing)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("checking for duplicate: %w", err)
	}

	args, err := resultArgs(r)
	if err != nil {
		return 0, false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO narrative_results (`+resultColumns+`) VALUES (`+resultPlaceholders+`)`, args...)
	if err != nil {
		if errors.Is(d.classify(err), errDuplicate) {
			return 0, false, nil
		}
		return 0, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (sqliteDialect) classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return errDuplicate
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return &ConstraintError{Field: "foreign_key", Reason: "references an unknown experiment or narrative", Err: err}
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			return &ConstraintError{Field: sqliteConstraintField(se.Error()), Reason: "check constraint failed", Err: err}
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return &ConstraintError{Field: sqliteConstraintField(se.Error()), Reason: "must not be null", Err: err}
		}
	}

	// Extended result codes may be disabled; fall back to the message.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return errDuplicate
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return &ConstraintError{Field: "foreign_key", Reason: "references an unknown experiment or narrative", Err: err}
	case strings.Contains(msg, "CHECK constraint failed"):
		return &ConstraintError{Field: sqliteConstraintField(msg), Reason: "check constraint failed", Err: err}
	case strings.Contains(msg, "NOT NULL constraint failed"):
		return &ConstraintError{Field: sqliteConstraintField(msg), Reason: "must not be null", Err: err}
	}
	return err
}

// sqliteConstraintField extracts the column from messages such as
// "NOT NULL constraint failed: narrative_results.incident_id".
func sqliteConstraintField(msg string) string {
	i := strings.LastIndex(msg, "failed: ")
	if i < 0 {
		return ""
	}
	field := strings.TrimSpace(msg[i+len("failed: "):])
	if j := strings.IndexAny(field, " ()"); j >= 0 {
		field = field[:j]
	}
	if j := strings.LastIndex(field, "."); j >= 0 {
		field = field[j+1:]
	}
	return field
}
