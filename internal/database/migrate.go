package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Migration represents a single schema migration step. Migrations are
// additive and their DDL is idempotent.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

func latestVersion(ms []Migration) int {
	if len(ms) == 0 {
		return 0
	}
	return ms[len(ms)-1].Version
}

// migrate brings the database schema up to the latest version of the
// dialect's migration list.
func migrate(ctx context.Context, conn *sql.DB, d dialect, logger *zap.Logger) error {
	current, err := d.schemaVersion(ctx, conn)
	if err != nil {
		return err
	}

	// Legacy DB detection: tables exist but no version is recorded.
	// Stamp as version 1 since the schema already matches migration 1.
	ms := d.migrations()
	if current == 0 {
		legacy, err := d.hasLegacyTables(ctx, conn)
		if err != nil {
			return err
		}
		if legacy && len(ms) > 0 {
			logger.Info("detected legacy database, stamping as version 1", zap.String("driver", d.name()))
			if err := d.setSchemaVersion(ctx, conn, ms[0]); err != nil {
				return fmt.Errorf("stamping legacy version: %w", err)
			}
			current = ms[0].Version
		}
	}

	if current >= latestVersion(ms) {
		return nil
	}

	for _, m := range ms {
		if m.Version <= current {
			continue
		}

		logger.Info("applying migration",
			zap.String("driver", d.name()),
			zap.Int("version", m.Version),
			zap.String("description", m.Description))

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if err := m.Up(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		if err := d.setSchemaVersion(ctx, conn, m); err != nil {
			return err
		}
	}

	return nil
}

// execAll runs each statement in order.
func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// addColumnIfMissing adds a column to a SQLite table unless it already
// exists. SQLite has no ADD COLUMN IF NOT EXISTS.
func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	var count int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", table, err)
	}
	if count > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}
