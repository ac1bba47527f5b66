package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateExperiment inserts a new experiment in the running state.
func (db *DB) CreateExperiment(ctx context.Context, e *Experiment) error {
	if e.ID == "" {
		return &ConstraintError{Field: "experiment_id", Reason: "is required"}
	}
	if e.StartTime.IsZero() {
		e.StartTime = now()
	}
	e.Status = StatusRunning
	e.CreatedAt = now()

	_, err := db.conn.ExecContext(ctx, db.q(`INSERT INTO experiments
		(experiment_id, name, status, provider, model_name, temperature, max_tokens,
		prompt_version, system_prompt, user_template, data_source, environment, config_json,
		narratives_total, start_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Name, string(e.Status), nullString(e.Provider), nullString(e.ModelName), e.Temperature, e.MaxTokens,
		nullString(e.PromptVersion), nullString(e.SystemPrompt), nullString(e.UserTemplate),
		nullString(e.DataSource), nullString(e.Environment), nullString(e.ConfigJSON),
		e.NarrativesTotal, formatTime(e.StartTime), formatTime(e.CreatedAt),
	)
	if err != nil {
		if errors.Is(db.dialect.classify(err), errDuplicate) {
			return &ConstraintError{Field: "experiment_id", Reason: "already exists", Err: err}
		}
		return fmt.Errorf("creating experiment: %w", err)
	}
	return nil
}

const experimentColumns = `experiment_id, name, status, provider, model_name, temperature, max_tokens,
	prompt_version, system_prompt, user_template, data_source, environment, config_json,
	narratives_total, narratives_processed, narratives_skipped,
	start_time, end_time, total_runtime_seconds, avg_time_per_narrative,
	accuracy, precision_score, recall, f1_score,
	true_positives, true_negatives, false_positives, false_negatives, parse_errors,
	notes, created_at`

// GetExperiment returns one experiment, or ErrNotFound.
func (db *DB) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	row := db.conn.QueryRowContext(ctx,
		db.q(`SELECT `+experimentColumns+` FROM experiments WHERE experiment_id = ?`), id)
	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListExperiments returns experiments, newest first. An empty status lists
// all of them.
func (db *DB) ListExperiments(ctx context.Context, status ExperimentStatus) ([]Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY start_time DESC, experiment_id DESC"

	rows, err := db.conn.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var experiments []Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, *e)
	}
	return experiments, rows.Err()
}

// FinalizeExperiment writes metrics and marks a running experiment completed.
func (db *DB) FinalizeExperiment(ctx context.Context, id string, f Finalization) error {
	c := f.Confusion
	res, err := db.conn.ExecContext(ctx, db.q(`UPDATE experiments SET
		status = ?, end_time = ?, total_runtime_seconds = ?, avg_time_per_narrative = ?,
		accuracy = ?, precision_score = ?, recall = ?, f1_score = ?,
		true_positives = ?, true_negatives = ?, false_positives = ?, false_negatives = ?,
		parse_errors = ?
		WHERE experiment_id = ? AND status = ?`),
		string(StatusCompleted), formatTime(f.EndTime), f.TotalRuntimeSeconds, f.AvgTimePerNarrative,
		f.Accuracy, f.Precision, f.Recall, f.F1,
		c.TP, c.TN, c.FP, c.FN, c.ParseErrors,
		id, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("finalizing experiment %s: %w", id, err)
	}
	return db.checkTransition(ctx, id, res)
}

// FailExperiment marks a running experiment failed and records the message.
func (db *DB) FailExperiment(ctx context.Context, id, message string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		var status, start string
		err := tx.QueryRowContext(ctx,
			db.q("SELECT status, start_time FROM experiments WHERE experiment_id = ?"), id,
		).Scan(&status, &start)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if ExperimentStatus(status) != StatusRunning {
			return fmt.Errorf("experiment %s: %w", id, ErrNotRunning)
		}

		end := now()
		runtime := end.Sub(parseTime(start)).Seconds()
		if runtime < 0 {
			runtime = 0
		}
		_, err = tx.ExecContext(ctx, db.q(`UPDATE experiments SET
			status = ?, end_time = ?, notes = ?, total_runtime_seconds = ?
			WHERE experiment_id = ? AND status = ?`),
			string(StatusFailed), formatTime(end), message, runtime,
			id, string(StatusRunning),
		)
		if err != nil {
			return fmt.Errorf("failing experiment %s: %w", id, err)
		}
		return nil
	})
}

// checkTransition turns a guarded UPDATE that matched nothing into
// ErrNotFound or ErrNotRunning.
func (db *DB) checkTransition(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := db.experimentStatus(ctx, db.conn, id); err != nil {
		return err
	}
	return fmt.Errorf("experiment %s: %w", id, ErrNotRunning)
}

func (db *DB) experimentStatus(ctx context.Context, q querier, id string) (ExperimentStatus, error) {
	var status string
	err := q.QueryRowContext(ctx, db.q("SELECT status FROM experiments WHERE experiment_id = ?"), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return ExperimentStatus(status), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*Experiment, error) {
	var e Experiment
	var status, start, created string
	var provider, model, promptVersion, systemPrompt, userTemplate, dataSource, env, cfg, notes, end sql.NullString
	var temperature, runtime, avg, accuracy, precision, recall, f1 sql.NullFloat64
	var maxTokens, tp, tn, fp, fn, parseErrors sql.NullInt64

	if err := row.Scan(&e.ID, &e.Name, &status, &provider, &model, &temperature, &maxTokens,
		&promptVersion, &systemPrompt, &userTemplate, &dataSource, &env, &cfg,
		&e.NarrativesTotal, &e.NarrativesProcessed, &e.NarrativesSkipped,
		&start, &end, &runtime, &avg,
		&accuracy, &precision, &recall, &f1,
		&tp, &tn, &fp, &fn, &parseErrors,
		&notes, &created); err != nil {
		return nil, err
	}

	e.Status = ExperimentStatus(status)
	e.Provider = provider.String
	e.ModelName = model.String
	e.Temperature = temperature.Float64
	e.MaxTokens = int(maxTokens.Int64)
	e.PromptVersion = promptVersion.String
	e.SystemPrompt = systemPrompt.String
	e.UserTemplate = userTemplate.String
	e.DataSource = dataSource.String
	e.Environment = env.String
	e.ConfigJSON = cfg.String
	e.StartTime = parseTime(start)
	e.EndTime = timePtr(end)
	e.TotalRuntimeSeconds = floatPtr(runtime)
	e.AvgTimePerNarrative = floatPtr(avg)
	e.Accuracy = floatPtr(accuracy)
	e.Precision = floatPtr(precision)
	e.Recall = floatPtr(recall)
	e.F1 = floatPtr(f1)
	e.TruePositives = intPtr(tp)
	e.TrueNegatives = intPtr(tn)
	e.FalsePositives = intPtr(fp)
	e.FalseNegatives = intPtr(fn)
	e.ParseErrors = intPtr(parseErrors)
	e.Notes = stringPtr(notes)
	e.CreatedAt = parseTime(created)
	return &e, nil
}
