package database

import (
	"context"
	"database/sql"
)

// Migration lists per backend. Append new migrations to the end of both lists
// with incrementing Version numbers; never edit an applied one.

var sqliteMigrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return execAll(ctx, tx, `
CREATE TABLE IF NOT EXISTS source_narratives (
    narrative_id INTEGER PRIMARY KEY AUTOINCREMENT,
    incident_id TEXT NOT NULL,
    narrative_type TEXT NOT NULL CHECK (narrative_type IN ('cme', 'le')),
    narrative_text TEXT,
    manual_flag_individual INTEGER,
    manual_flag_case INTEGER,
    data_source TEXT NOT NULL DEFAULT '',
    loaded_at TEXT NOT NULL,
    UNIQUE (incident_id, narrative_type)
)`, `
CREATE TABLE IF NOT EXISTS experiments (
    experiment_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running', 'completed', 'failed')),
    provider TEXT,
    model_name TEXT,
    temperature REAL,
    max_tokens INTEGER,
    prompt_version TEXT,
    system_prompt TEXT,
    user_template TEXT,
    data_source TEXT,
    environment TEXT,
    config_json TEXT,
    narratives_total INTEGER NOT NULL DEFAULT 0,
    narratives_processed INTEGER NOT NULL DEFAULT 0,
    narratives_skipped INTEGER NOT NULL DEFAULT 0,
    start_time TEXT NOT NULL,
    end_time TEXT,
    total_runtime_seconds REAL,
    avg_time_per_narrative REAL,
    accuracy REAL,
    precision_score REAL,
    recall REAL,
    f1_score REAL,
    true_positives INTEGER,
    true_negatives INTEGER,
    false_positives INTEGER,
    false_negatives INTEGER,
    notes TEXT,
    created_at TEXT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS narrative_results (
    result_id INTEGER PRIMARY KEY AUTOINCREMENT,
    experiment_id TEXT NOT NULL REFERENCES experiments(experiment_id) ON DELETE CASCADE,
    narrative_id INTEGER REFERENCES source_narratives(narrative_id) ON DELETE SET NULL,
    incident_id TEXT NOT NULL,
    narrative_type TEXT NOT NULL CHECK (narrative_type IN ('cme', 'le')),
    narrative_text TEXT,
    manual_flag_individual INTEGER,
    manual_flag_case INTEGER,
    detected INTEGER,
    confidence REAL CHECK (confidence IS NULL OR (confidence >= 0 AND confidence <= 1)),
    indicators TEXT NOT NULL DEFAULT '[]',
    rationale TEXT,
    raw_response TEXT,
    response_time_seconds REAL CHECK (response_time_seconds IS NULL OR response_time_seconds >= 0),
    processed_at TEXT NOT NULL,
    error_occurred INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    is_true_positive INTEGER NOT NULL DEFAULT 0,
    is_true_negative INTEGER NOT NULL DEFAULT 0,
    is_false_positive INTEGER NOT NULL DEFAULT 0,
    is_false_negative INTEGER NOT NULL DEFAULT 0,
    CHECK (is_true_positive + is_true_negative + is_false_positive + is_false_negative <= 1),
    UNIQUE (experiment_id, incident_id, narrative_type)
)`,
				`CREATE INDEX IF NOT EXISTS idx_narratives_incident ON source_narratives(incident_id)`,
				`CREATE INDEX IF NOT EXISTS idx_narratives_type ON source_narratives(narrative_type)`,
				`CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status)`,
				`CREATE INDEX IF NOT EXISTS idx_results_experiment ON narrative_results(experiment_id)`,
				`CREATE INDEX IF NOT EXISTS idx_results_incident ON narrative_results(incident_id)`,
				`CREATE INDEX IF NOT EXISTS idx_results_type ON narrative_results(narrative_type)`,
				`CREATE INDEX IF NOT EXISTS idx_results_detected ON narrative_results(detected)`,
				`CREATE INDEX IF NOT EXISTS idx_results_tp ON narrative_results(is_true_positive)`,
				`CREATE INDEX IF NOT EXISTS idx_results_tn ON narrative_results(is_true_negative)`,
				`CREATE INDEX IF NOT EXISTS idx_results_fp ON narrative_results(is_false_positive)`,
				`CREATE INDEX IF NOT EXISTS idx_results_fn ON narrative_results(is_false_negative)`,
			)
		},
	},
	{
		Version:     2,
		Description: "token usage, result model name, experiment parse errors",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			cols := []struct{ table, column, decl string }{
				{"narrative_results", "prompt_tokens", "INTEGER CHECK (prompt_tokens IS NULL OR prompt_tokens >= 0)"},
				{"narrative_results", "completion_tokens", "INTEGER CHECK (completion_tokens IS NULL OR completion_tokens >= 0)"},
				{"narrative_results", "total_tokens", "INTEGER CHECK (total_tokens IS NULL OR total_tokens >= 0)"},
				{"narrative_results", "model_name", "TEXT"},
				{"experiments", "parse_errors", "INTEGER"},
			}
			for _, c := range cols {
				if err := addColumnIfMissing(ctx, tx, c.table, c.column, c.decl); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "parse warnings on results",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return addColumnIfMissing(ctx, tx, "narrative_results", "parse_warnings", "TEXT NOT NULL DEFAULT '[]'")
		},
	},
}

var postgresMigrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return execAll(ctx, tx, `
CREATE TABLE IF NOT EXISTS source_narratives (
    narrative_id BIGSERIAL PRIMARY KEY,
    incident_id TEXT NOT NULL,
    narrative_type TEXT NOT NULL CHECK (narrative_type IN ('cme', 'le')),
    narrative_text TEXT,
    manual_flag_individual BOOLEAN,
    manual_flag_case BOOLEAN,
    data_source TEXT NOT NULL DEFAULT '',
    loaded_at TEXT NOT NULL,
    UNIQUE (incident_id, narrative_type)
)`, `
CREATE TABLE IF NOT EXISTS experiments (
    experiment_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running', 'completed', 'failed')),
    provider TEXT,
    model_name TEXT,
    temperature DOUBLE PRECISION,
    max_tokens INTEGER,
    prompt_version TEXT,
    system_prompt TEXT,
    user_template TEXT,
    data_source TEXT,
    environment TEXT,
    config_json TEXT,
    narratives_total INTEGER NOT NULL DEFAULT 0,
    narratives_processed INTEGER NOT NULL DEFAULT 0,
    narratives_skipped INTEGER NOT NULL DEFAULT 0,
    start_time TEXT NOT NULL,
    end_time TEXT,
    total_runtime_seconds DOUBLE PRECISION,
    avg_time_per_narrative DOUBLE PRECISION,
    accuracy DOUBLE PRECISION,
    precision_score DOUBLE PRECISION,
    recall DOUBLE PRECISION,
    f1_score DOUBLE PRECISION,
    true_positives INTEGER,
    true_negatives INTEGER,
    false_positives INTEGER,
    false_negatives INTEGER,
    notes TEXT,
    created_at TEXT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS narrative_results (
    result_id BIGSERIAL PRIMARY KEY,
    experiment_id TEXT NOT NULL REFERENCES experiments(experiment_id) ON DELETE CASCADE,
    narrative_id BIGINT REFERENCES source_narratives(narrative_id) ON DELETE SET NULL,
    incident_id TEXT NOT NULL,
    narrative_type TEXT NOT NULL CHECK (narrative_type IN ('cme', 'le')),
    narrative_text TEXT,
    manual_flag_individual BOOLEAN,
    manual_flag_case BOOLEAN,
    detected BOOLEAN,
    confidence DOUBLE PRECISION CHECK (confidence IS NULL OR (confidence >= 0 AND confidence <= 1)),
    indicators TEXT NOT NULL DEFAULT '[]',
    rationale TEXT,
    raw_response TEXT,
    response_time_seconds DOUBLE PRECISION CHECK (response_time_seconds IS NULL OR response_time_seconds >= 0),
    processed_at TEXT NOT NULL,
    error_occurred BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT,
    is_true_positive BOOLEAN NOT NULL DEFAULT FALSE,
    is_true_negative BOOLEAN NOT NULL DEFAULT FALSE,
    is_false_positive BOOLEAN NOT NULL DEFAULT FALSE,
    is_false_negative BOOLEAN NOT NULL DEFAULT FALSE,
    CONSTRAINT narrative_results_outcome_check CHECK (
        is_true_positive::int + is_true_negative::int + is_false_positive::int + is_false_negative::int <= 1),
    UNIQUE (experiment_id, incident_id, narrative_type)
)`,
				`CREATE INDEX IF NOT EXISTS idx_narratives_incident ON source_narratives(incident_id)`,
				`CREATE INDEX IF NOT EXISTS idx_narratives_type ON source_narratives(narrative_type)`,
				`CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status)`,
				`CREATE INDEX IF NOT EXISTS idx_results_experiment ON narrative_results(experiment_id)`,
				`CREATE INDEX IF NOT EXISTS idx_results_incident ON narrative_results(incident_id)`,
				`CREATE INDEX IF NOT EXISTS idx_results_type ON narrative_results(narrative_type)`,
				`CREATE INDEX IF NOT EXISTS idx_results_detected ON narrative_results(detected)`,
				`CREATE INDEX IF NOT EXISTS idx_results_tp ON narrative_results(is_true_positive)`,
				`CREATE INDEX IF NOT EXISTS idx_results_tn ON narrative_results(is_true_negative)`,
				`CREATE INDEX IF NOT EXISTS idx_results_fp ON narrative_results(is_false_positive)`,
				`CREATE INDEX IF NOT EXISTS idx_results_fn ON narrative_results(is_false_negative)`,
			)
		},
	},
	{
		Version:     2,
		Description: "token usage, result model name, experiment parse errors",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return execAll(ctx, tx,
				`ALTER TABLE narrative_results ADD COLUMN IF NOT EXISTS prompt_tokens INTEGER CHECK (prompt_tokens IS NULL OR prompt_tokens >= 0)`,
				`ALTER TABLE narrative_results ADD COLUMN IF NOT EXISTS completion_tokens INTEGER CHECK (completion_tokens IS NULL OR completion_tokens >= 0)`,
				`ALTER TABLE narrative_results ADD COLUMN IF NOT EXISTS total_tokens INTEGER CHECK (total_tokens IS NULL OR total_tokens >= 0)`,
				`ALTER TABLE narrative_results ADD COLUMN IF NOT EXISTS model_name TEXT`,
				`ALTER TABLE experiments ADD COLUMN IF NOT EXISTS parse_errors INTEGER`,
			)
		},
	},
	{
		Version:     3,
		Description: "parse warnings on results",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return execAll(ctx, tx,
				`ALTER TABLE narrative_results ADD COLUMN IF NOT EXISTS parse_warnings TEXT NOT NULL DEFAULT '[]'`,
			)
		},
	},
}
