package database

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// dialect captures everything that differs between backends.
type dialect interface {
	name() string
	open(ctx context.Context, location string, opts Options) (*sql.DB, error)

	migrations() []Migration
	schemaVersion(ctx context.Context, conn *sql.DB) (int, error)
	setSchemaVersion(ctx context.Context, conn *sql.DB, m Migration) error
	hasLegacyTables(ctx context.Context, conn *sql.DB) (bool, error)

	rebind(query string) string

	// insertResult inserts one result row inside tx. inserted is false when a
	// row with the same (experiment_id, incident_id, narrative_type) exists.
	insertResult(ctx context.Context, tx *sql.Tx, r *NarrativeResult) (id int64, inserted bool, err error)

	// classify maps a driver error to errDuplicate, a *ConstraintError, or
	// returns it unchanged.
	classify(err error) error
}

// rebindDollar turns ? placeholders into $1, $2, ... outside quoted literals.
func rebindDollar(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

const resultColumns = `experiment_id, narrative_id, incident_id, narrative_type, narrative_text,
	manual_flag_individual, manual_flag_case,
	detected, confidence, indicators, rationale, raw_response,
	response_time_seconds, processed_at, prompt_tokens, completion_tokens, total_tokens, model_name,
	error_occurred, error_message,
	is_true_positive, is_true_negative, is_false_positive, is_false_negative,
	parse_warnings`

const resultPlaceholders = `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`

func resultArgs(r *NarrativeResult) ([]any, error) {
	indicators, err := encodeList("indicators", r.Indicators)
	if err != nil {
		return nil, err
	}
	warnings, err := encodeList("parse warnings", r.ParseWarnings)
	if err != nil {
		return nil, err
	}
	return []any{
		r.ExperimentID, r.NarrativeID, r.IncidentID, string(r.NarrativeType), r.NarrativeText,
		r.ManualFlagIndividual, r.ManualFlagCase,
		r.Detected, r.Confidence, indicators, nullString(r.Rationale), nullString(r.RawResponse),
		r.ResponseTimeSeconds, formatTime(r.ProcessedAt), r.PromptTokens, r.CompletionTokens, r.TotalTokens, nullString(r.ModelName),
		r.ErrorOccurred, r.ErrorMessage,
		r.IsTruePositive, r.IsTrueNegative, r.IsFalsePositive, r.IsFalseNegative,
		warnings,
	}, nil
}
