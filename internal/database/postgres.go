package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

type postgresDialect struct{}

func (postgresDialect) name() string { return DriverPostgres }

func (postgresDialect) open(ctx context.Context, dsn string, opts Options) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 4
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return conn, nil
}

func (postgresDialect) migrations() []Migration { return postgresMigrations }

const createSchemaMigrations = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at TEXT NOT NULL
)`

func (postgresDialect) schemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	if _, err := conn.ExecContext(ctx, createSchemaMigrations); err != nil {
		return 0, fmt.Errorf("creating schema_migrations: %w", err)
	}
	var version int
	if err := conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func (postgresDialect) setSchemaVersion(ctx context.Context, conn *sql.DB, m Migration) error {
	_, err := conn.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)
		ON CONFLICT (version) DO NOTHING`,
		m.Version, m.Description, formatTime(now()),
	)
	if err != nil {
		return fmt.Errorf("setting version %d: %w", m.Version, err)
	}
	return nil
}

func (postgresDialect) hasLegacyTables(ctx context.Context, conn *sql.DB) (bool, error) {
	var count int
	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = 'experiments'`,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking for legacy tables: %w", err)
	}
	return count > 0, nil
}

func (postgresDialect) rebind(query string) string { return rebindDollar(query) }

// insertResult lets the server resolve duplicates: a conflicting row makes
// RETURNING yield nothing.
func (postgresDialect) insertResult(ctx context.Context, tx *sql.Tx, r *NarrativeResult) (int64, bool, error) {
	args, err := resultArgs(r)
	if err != nil {
		return 0, false, err
	}
	var id int64
	err = tx.QueryRowContext(ctx, rebindDollar(
		`INSERT INTO narrative_results (`+resultColumns+`) VALUES (`+resultPlaceholders+`)
		ON CONFLICT (experiment_id, incident_id, narrative_type) DO NOTHING
		RETURNING result_id`), args...,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (postgresDialect) classify(err error) error {
	var pe *pq.Error
	if !errors.As(err, &pe) {
		return err
	}
	switch pe.Code {
	case "23505": // unique_violation
		return errDuplicate
	case "23503": // foreign_key_violation
		if strings.Contains(pe.Constraint, "narrative_id") {
			return &ConstraintError{Field: "narrative_id", Reason: "references an unknown narrative", Err: err}
		}
		return &ConstraintError{Field: "experiment_id", Reason: "references an unknown experiment", Err: err}
	case "23514": // check_violation
		return &ConstraintError{Field: pe.Constraint, Reason: "check constraint failed", Err: err}
	case "23502": // not_null_violation
		return &ConstraintError{Field: pe.Column, Reason: "must not be null", Err: err}
	}
	return err
}
