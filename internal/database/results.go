package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DefaultChunkSize is used by StoreResultsBatch when no chunk size is given.
const DefaultChunkSize = 100

// StoreResult inserts one result and bumps the experiment's counters in the
// same transaction. A duplicate (experiment_id, incident_id, narrative_type)
// is reported through StoreOutcome.Duplicate, not as an error. Invalid rows
// yield a *ConstraintError; writes to a finished experiment yield
// ErrNotRunning.
func (db *DB) StoreResult(ctx context.Context, r *NarrativeResult) (StoreOutcome, error) {
	if err := ValidateResult(r); err != nil {
		return StoreOutcome{}, err
	}
	var out StoreOutcome
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = db.storeInTx(ctx, tx, r)
		return err
	})
	if err != nil {
		return StoreOutcome{}, err
	}
	return out, nil
}

// storeInTx expects r to be validated already.
func (db *DB) storeInTx(ctx context.Context, tx *sql.Tx, r *NarrativeResult) (StoreOutcome, error) {
	status, err := db.experimentStatus(ctx, tx, r.ExperimentID)
	if errors.Is(err, ErrNotFound) {
		return StoreOutcome{}, &ConstraintError{Field: "experiment_id", Reason: "references an unknown experiment", Err: err}
	}
	if err != nil {
		return StoreOutcome{}, err
	}
	if status != StatusRunning {
		return StoreOutcome{}, fmt.Errorf("experiment %s is %s: %w", r.ExperimentID, status, ErrNotRunning)
	}
	if r.NarrativeID != nil {
		var one int
		err := tx.QueryRowContext(ctx, db.q("SELECT 1 FROM source_narratives WHERE narrative_id = ?"), *r.NarrativeID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return StoreOutcome{}, &ConstraintError{Field: "narrative_id", Reason: "references an unknown narrative", Err: ErrNotFound}
		}
		if err != nil {
			return StoreOutcome{}, err
		}
	}

	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = now()
	}
	id, inserted, err := db.dialect.insertResult(ctx, tx, r)
	if err != nil {
		return StoreOutcome{}, db.dialect.classify(err)
	}

	counter := "narratives_processed"
	if !inserted {
		counter = "narratives_skipped"
	}
	res, err := tx.ExecContext(ctx, db.q(`UPDATE experiments SET `+counter+` = `+counter+` + 1
		WHERE experiment_id = ? AND status = ?`), r.ExperimentID, string(StatusRunning))
	if err != nil {
		return StoreOutcome{}, fmt.Errorf("updating counters: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return StoreOutcome{}, fmt.Errorf("experiment %s: %w", r.ExperimentID, ErrNotRunning)
	}

	if !inserted {
		return StoreOutcome{
			Success:   true,
			ResultID:  id,
			Duplicate: true,
			Warning: fmt.Sprintf("result for %s/%s already stored in experiment %s; skipped",
				r.IncidentID, r.NarrativeType, r.ExperimentID),
		}, nil
	}
	r.ResultID = id
	return StoreOutcome{Success: true, ResultID: id, RowsAffected: 1}, nil
}

// rowLevel reports whether err rejects a single row rather than signalling
// a broken database.
func rowLevel(err error) bool {
	return IsConstraint(err) || errors.Is(err, ErrNotRunning)
}

// StoreResultsBatch inserts results in chunks of chunkSize, each chunk in
// its own transaction. A chunk that fails is rolled back and replayed row by
// row, so one bad record costs one row, not the chunk. Only errors that are
// not attributable to a row are returned.
func (db *DB) StoreResultsBatch(ctx context.Context, results []NarrativeResult, chunkSize int) (BatchOutcome, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	out := BatchOutcome{Total: len(results)}

	for start := 0; start < len(results); start += chunkSize {
		end := min(start+chunkSize, len(results))
		chunk := make([]int, 0, end-start)
		errCount := 0
		for i := start; i < end; i++ {
			if err := ValidateResult(&results[i]); err != nil {
				out.Failures = append(out.Failures, RowError{Index: i, Err: err})
				errCount++
				continue
			}
			chunk = append(chunk, i)
		}

		inserted, dups, err := db.storeChunk(ctx, results, chunk)
		if err == nil {
			out.Inserted += inserted
			out.Duplicates += dups
			out.Errors += errCount
			out.ChunkErrors = append(out.ChunkErrors, errCount)
			continue
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		db.logger.Warn("batch chunk failed, retrying rows individually",
			zap.Int("chunk_start", start), zap.Int("rows", len(chunk)), zap.Error(err))
		for _, i := range chunk {
			o, err := db.StoreResult(ctx, &results[i])
			switch {
			case err == nil && o.Duplicate:
				out.Duplicates++
			case err == nil:
				out.Inserted++
			case rowLevel(err):
				out.Failures = append(out.Failures, RowError{Index: i, Err: err})
				errCount++
			default:
				out.Errors += errCount
				out.ChunkErrors = append(out.ChunkErrors, errCount)
				return out, fmt.Errorf("storing result %d: %w", i, err)
			}
		}
		out.Errors += errCount
		out.ChunkErrors = append(out.ChunkErrors, errCount)
	}
	return out, nil
}

// storeChunk writes the selected rows in one transaction. Any failure rolls
// back the whole chunk.
func (db *DB) storeChunk(ctx context.Context, results []NarrativeResult, idx []int) (inserted, dups int, err error) {
	if len(idx) == 0 {
		return 0, 0, nil
	}
	ids := make([]int64, len(idx))
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		for j, i := range idx {
			r := results[i]
			o, err := db.storeInTx(ctx, tx, &r)
			if err != nil {
				return err
			}
			if o.Duplicate {
				dups++
				continue
			}
			ids[j] = o.ResultID
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	for j, i := range idx {
		if ids[j] != 0 {
			results[i].ResultID = ids[j]
		}
	}
	return inserted, dups, nil
}

// ProcessedKeys returns the narratives that already have a result in the
// experiment.
func (db *DB) ProcessedKeys(ctx context.Context, experimentID string) (map[ResultKey]bool, error) {
	rows, err := db.conn.QueryContext(ctx,
		db.q("SELECT incident_id, narrative_type FROM narrative_results WHERE experiment_id = ?"), experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[ResultKey]bool)
	for rows.Next() {
		var k ResultKey
		var typ string
		if err := rows.Scan(&k.IncidentID, &typ); err != nil {
			return nil, err
		}
		k.NarrativeType = NarrativeType(typ)
		keys[k] = true
	}
	return keys, rows.Err()
}

// ConfusionCounts tallies an experiment's derived outcome flags.
func (db *DB) ConfusionCounts(ctx context.Context, experimentID string) (Confusion, error) {
	var c Confusion
	err := db.conn.QueryRowContext(ctx, db.q(`SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN is_true_positive THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_true_negative THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_false_positive THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_false_negative THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN error_occurred THEN 1 ELSE 0 END), 0)
		FROM narrative_results WHERE experiment_id = ?`), experimentID,
	).Scan(&c.Total, &c.TP, &c.TN, &c.FP, &c.FN, &c.ParseErrors)
	return c, err
}

// SumResponseTime returns the total LLM response time recorded for an
// experiment, in seconds.
func (db *DB) SumResponseTime(ctx context.Context, experimentID string) (float64, error) {
	var total float64
	err := db.conn.QueryRowContext(ctx, db.q(`SELECT COALESCE(SUM(response_time_seconds), 0)
		FROM narrative_results WHERE experiment_id = ?`), experimentID).Scan(&total)
	return total, err
}

// ListResults returns an experiment's results in insertion order.
func (db *DB) ListResults(ctx context.Context, f ResultFilter) ([]NarrativeResult, error) {
	query := `SELECT result_id, ` + resultColumns + ` FROM narrative_results WHERE experiment_id = ?`
	args := []any{f.ExperimentID}

	switch f.Outcome {
	case OutcomeAll:
	case OutcomeTruePositive:
		query += " AND is_true_positive"
	case OutcomeTrueNegative:
		query += " AND is_true_negative"
	case OutcomeFalsePositive:
		query += " AND is_false_positive"
	case OutcomeFalseNegative:
		query += " AND is_false_negative"
	case OutcomeDisagreements:
		query += " AND (is_false_positive OR is_false_negative)"
	case OutcomeErrors:
		query += " AND error_occurred"
	case OutcomeUndetermined:
		query += " AND NOT error_occurred AND (detected IS NULL OR manual_flag_individual IS NULL)"
	default:
		return nil, fmt.Errorf("unknown outcome filter %q", f.Outcome)
	}
	if f.Type != "" {
		query += " AND narrative_type = ?"
		args = append(args, string(f.Type))
	}
	query += " ORDER BY result_id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []NarrativeResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// CountResults returns the number of results stored for an experiment.
func (db *DB) CountResults(ctx context.Context, experimentID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		db.q("SELECT COUNT(*) FROM narrative_results WHERE experiment_id = ?"), experimentID).Scan(&n)
	return n, err
}

func scanResult(row rowScanner) (*NarrativeResult, error) {
	var r NarrativeResult
	var typ, indicators, warnings, processed string
	var narrativeID, promptTokens, completionTokens, totalTokens sql.NullInt64
	var text, rationale, raw, model, errMsg sql.NullString
	var flagInd, flagCase, detected sql.NullBool
	var confidence, responseTime sql.NullFloat64

	if err := row.Scan(&r.ResultID,
		&r.ExperimentID, &narrativeID, &r.IncidentID, &typ, &text,
		&flagInd, &flagCase,
		&detected, &confidence, &indicators, &rationale, &raw,
		&responseTime, &processed, &promptTokens, &completionTokens, &totalTokens, &model,
		&r.ErrorOccurred, &errMsg,
		&r.IsTruePositive, &r.IsTrueNegative, &r.IsFalsePositive, &r.IsFalseNegative,
		&warnings,
	); err != nil {
		return nil, err
	}

	if narrativeID.Valid {
		r.NarrativeID = &narrativeID.Int64
	}
	r.NarrativeType = NarrativeType(typ)
	r.NarrativeText = stringPtr(text)
	r.ManualFlagIndividual = boolPtr(flagInd)
	r.ManualFlagCase = boolPtr(flagCase)
	r.Detected = boolPtr(detected)
	r.Confidence = floatPtr(confidence)
	r.Indicators = decodeList(indicators)
	r.Rationale = rationale.String
	r.RawResponse = raw.String
	r.ResponseTimeSeconds = floatPtr(responseTime)
	r.ProcessedAt = parseTime(processed)
	r.PromptTokens = intPtr(promptTokens)
	r.CompletionTokens = intPtr(completionTokens)
	r.TotalTokens = intPtr(totalTokens)
	r.ModelName = model.String
	r.ErrorMessage = stringPtr(errMsg)
	r.ParseWarnings = decodeList(warnings)
	return &r, nil
}

// GetStats returns database-wide counts.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		NarrativesByType: make(map[NarrativeType]int),
		Experiments:      make(map[ExperimentStatus]int),
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT narrative_type, COUNT(*),
		COALESCE(SUM(CASE WHEN narrative_text IS NOT NULL AND narrative_text <> '' THEN 1 ELSE 0 END), 0)
		FROM source_narratives GROUP BY narrative_type`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var typ string
		var n, withText int
		if err := rows.Scan(&typ, &n, &withText); err != nil {
			rows.Close()
			return nil, err
		}
		s.NarrativesByType[NarrativeType(typ)] = n
		s.Narratives += n
		s.WithText += withText
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM experiments GROUP BY status")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.Experiments[ExperimentStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM narrative_results").Scan(&s.Results); err != nil {
		return nil, err
	}
	return s, nil
}
