package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ConstraintError reports a row rejected at the storage boundary, either by
// validation or by a schema constraint.
type ConstraintError struct {
	Field  string
	Reason string
	Err    error // driver error, when the database rejected the row
}

func (e *ConstraintError) Error() string {
	if e.Field == "" {
		return "constraint violation: " + e.Reason
	}
	return fmt.Sprintf("constraint violation on %s: %s", e.Field, e.Reason)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// IsConstraint reports whether err is a *ConstraintError.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// errDuplicate marks a unique-key violation. It never leaves the package.
var errDuplicate = errors.New("duplicate row")

// ValidateResult applies the same rules the schema enforces, so bad rows are
// rejected before they reach the database.
func ValidateResult(r *NarrativeResult) error {
	if r.ExperimentID == "" {
		return &ConstraintError{Field: "experiment_id", Reason: "is required"}
	}
	if r.IncidentID == "" {
		return &ConstraintError{Field: "incident_id", Reason: "is required"}
	}
	if !r.NarrativeType.Valid() {
		return &ConstraintError{Field: "narrative_type", Reason: fmt.Sprintf("must be cme or le, got %q", r.NarrativeType)}
	}
	if c := r.Confidence; c != nil && (math.IsNaN(*c) || *c < 0 || *c > 1) {
		return &ConstraintError{Field: "confidence", Reason: fmt.Sprintf("must be within [0,1], got %g", *c)}
	}
	if t := r.ResponseTimeSeconds; t != nil && (math.IsNaN(*t) || *t < 0) {
		return &ConstraintError{Field: "response_time_seconds", Reason: fmt.Sprintf("must be non-negative, got %g", *t)}
	}
	for _, tok := range []struct {
		field string
		v     *int
	}{
		{"prompt_tokens", r.PromptTokens},
		{"completion_tokens", r.CompletionTokens},
		{"total_tokens", r.TotalTokens},
	} {
		if tok.v != nil && *tok.v < 0 {
			return &ConstraintError{Field: tok.field, Reason: fmt.Sprintf("must be non-negative, got %d", *tok.v)}
		}
	}

	flags := 0
	for _, f := range []bool{r.IsTruePositive, r.IsTrueNegative, r.IsFalsePositive, r.IsFalseNegative} {
		if f {
			flags++
		}
	}
	if flags > 1 {
		return &ConstraintError{Field: "outcome", Reason: "at most one confusion-matrix flag may be set"}
	}
	return nil
}

// ValidateNarrative checks a source narrative before insertion.
func ValidateNarrative(n *Narrative) error {
	if n.IncidentID == "" {
		return &ConstraintError{Field: "incident_id", Reason: "is required"}
	}
	if !n.Type.Valid() {
		return &ConstraintError{Field: "narrative_type", Reason: fmt.Sprintf("must be cme or le, got %q", n.Type)}
	}
	return nil
}

func encodeList(what string, items []string) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", what, err)
	}
	return string(data), nil
}

func decodeList(s string) []string {
	out := []string{}
	if s == "" {
		return out
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}
