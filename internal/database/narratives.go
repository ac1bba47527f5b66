package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const insertNarrativeSQL = `INSERT INTO source_narratives
	(incident_id, narrative_type, narrative_text, manual_flag_individual, manual_flag_case, data_source, loaded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (incident_id, narrative_type) DO NOTHING
	RETURNING narrative_id`

// InsertNarrative inserts a source narrative. Returns the ID on success, 0 if
// the (incident_id, narrative_type) pair is already loaded.
func (db *DB) InsertNarrative(ctx context.Context, n *Narrative) (int64, error) {
	return db.insertNarrative(ctx, db.conn, n)
}

func (db *DB) insertNarrative(ctx context.Context, q querier, n *Narrative) (int64, error) {
	if err := ValidateNarrative(n); err != nil {
		return 0, err
	}
	loaded := n.LoadedAt
	if loaded.IsZero() {
		loaded = now()
	}

	var id int64
	err := q.QueryRowContext(ctx, db.q(insertNarrativeSQL),
		n.IncidentID, string(n.Type), n.Text, n.ManualFlagIndividual, n.ManualFlagCase,
		n.DataSource, formatTime(loaded),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, db.dialect.classify(err)
	}
	return id, nil
}

// InsertNarratives loads a set of narratives in one transaction. Duplicates
// are counted, not rejected; an invalid record aborts the load.
func (db *DB) InsertNarratives(ctx context.Context, narratives []Narrative) (LoadOutcome, error) {
	var out LoadOutcome
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		for i := range narratives {
			id, err := db.insertNarrative(ctx, tx, &narratives[i])
			if err != nil {
				return fmt.Errorf("narrative %s/%s: %w", narratives[i].IncidentID, narratives[i].Type, err)
			}
			if id == 0 {
				out.Duplicates++
				continue
			}
			narratives[i].ID = id
			out.Inserted++
		}
		return nil
	})
	if err != nil {
		return LoadOutcome{}, err
	}
	return out, nil
}

const narrativeColumns = `narrative_id, incident_id, narrative_type, narrative_text,
	manual_flag_individual, manual_flag_case, data_source, loaded_at`

// ListNarratives returns narratives in load order.
func (db *DB) ListNarratives(ctx context.Context, f NarrativeFilter) ([]Narrative, error) {
	query := `SELECT ` + narrativeColumns + ` FROM source_narratives WHERE 1=1`
	var args []any
	if f.DataSource != "" {
		query += " AND data_source = ?"
		args = append(args, f.DataSource)
	}
	if f.Type != "" {
		query += " AND narrative_type = ?"
		args = append(args, string(f.Type))
	}
	query += " ORDER BY narrative_id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var narratives []Narrative
	for rows.Next() {
		var n Narrative
		var typ, loaded string
		var text sql.NullString
		var flagInd, flagCase sql.NullBool
		if err := rows.Scan(&n.ID, &n.IncidentID, &typ, &text,
			&flagInd, &flagCase, &n.DataSource, &loaded); err != nil {
			return nil, err
		}
		n.Type = NarrativeType(typ)
		n.Text = stringPtr(text)
		n.ManualFlagIndividual = boolPtr(flagInd)
		n.ManualFlagCase = boolPtr(flagCase)
		n.LoadedAt = parseTime(loaded)
		narratives = append(narratives, n)
	}
	return narratives, rows.Err()
}

// CountNarratives returns the number of loaded narratives.
func (db *DB) CountNarratives(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM source_narratives").Scan(&n)
	return n, err
}

// DeleteNarrativesBySource removes every narrative loaded from source, ahead
// of a reload. Results that referenced them keep their copied fields.
func (db *DB) DeleteNarrativesBySource(ctx context.Context, source string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, db.q("DELETE FROM source_narratives WHERE data_source = ?"), source)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func boolPtr(b sql.NullBool) *bool {
	if !b.Valid {
		return nil
	}
	return &b.Bool
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	return &f.Float64
}

func intPtr(i sql.NullInt64) *int {
	if !i.Valid {
		return nil
	}
	n := int(i.Int64)
	return &n
}

func timePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
