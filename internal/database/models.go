package database

import (
	"strings"
	"time"
)

// NarrativeType distinguishes medical-examiner from law-enforcement accounts.
type NarrativeType string

const (
	NarrativeCME NarrativeType = "cme"
	NarrativeLE  NarrativeType = "le"
)

// Valid reports whether t is a known narrative type.
func (t NarrativeType) Valid() bool {
	return t == NarrativeCME || t == NarrativeLE
}

// Narrative is a source narrative loaded from a data file.
type Narrative struct {
	ID                   int64
	IncidentID           string
	Type                 NarrativeType
	Text                 *string
	ManualFlagIndividual *bool // ground truth for this narrative
	ManualFlagCase       *bool // ground truth for the whole incident
	DataSource           string
	LoadedAt             time.Time
}

// HasText reports whether the narrative carries non-blank text.
func (n Narrative) HasText() bool {
	return n.Text != nil && strings.TrimSpace(*n.Text) != ""
}

// Key returns the narrative's natural key.
func (n Narrative) Key() ResultKey {
	return ResultKey{IncidentID: n.IncidentID, NarrativeType: n.Type}
}

// NarrativeFilter narrows ListNarratives.
type NarrativeFilter struct {
	DataSource string
	Type       NarrativeType
	Limit      int
}

// LoadOutcome summarizes an InsertNarratives call.
type LoadOutcome struct {
	Inserted   int
	Duplicates int
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	StatusRunning   ExperimentStatus = "running"
	StatusCompleted ExperimentStatus = "completed"
	StatusFailed    ExperimentStatus = "failed"
)

// Experiment is one configured batch run.
type Experiment struct {
	ID     string
	Name   string
	Status ExperimentStatus

	Provider      string
	ModelName     string
	Temperature   float64
	MaxTokens     int
	PromptVersion string
	SystemPrompt  string
	UserTemplate  string
	DataSource    string
	Environment   string // JSON fingerprint
	ConfigJSON    string // full configuration snapshot

	NarrativesTotal     int
	NarrativesProcessed int
	NarrativesSkipped   int

	StartTime           time.Time
	EndTime             *time.Time
	TotalRuntimeSeconds *float64
	AvgTimePerNarrative *float64

	Accuracy       *float64
	Precision      *float64
	Recall         *float64
	F1             *float64
	TruePositives  *int
	TrueNegatives  *int
	FalsePositives *int
	FalseNegatives *int
	ParseErrors    *int

	Notes     *string
	CreatedAt time.Time
}

// Finalization holds the values written when an experiment completes.
type Finalization struct {
	EndTime             time.Time
	TotalRuntimeSeconds float64
	AvgTimePerNarrative *float64
	Accuracy            *float64
	Precision           *float64
	Recall              *float64
	F1                  *float64
	Confusion           Confusion
}

// NarrativeResult is one narrative's outcome within an experiment. Rows are
// never updated once stored.
type NarrativeResult struct {
	ResultID      int64
	ExperimentID  string
	NarrativeID   *int64
	IncidentID    string
	NarrativeType NarrativeType
	NarrativeText *string

	ManualFlagIndividual *bool
	ManualFlagCase       *bool

	Detected    *bool
	Confidence  *float64
	Indicators  []string
	Rationale   string
	RawResponse string

	ResponseTimeSeconds *float64
	ProcessedAt         time.Time
	PromptTokens        *int
	CompletionTokens    *int
	TotalTokens         *int
	ModelName           string

	ErrorOccurred bool
	ErrorMessage  *string
	// ParseWarnings records values the parser rejected without failing the
	// row, such as a confidence outside [0,1] stored as null.
	ParseWarnings []string

	IsTruePositive  bool
	IsTrueNegative  bool
	IsFalsePositive bool
	IsFalseNegative bool
}

// Key returns the row's uniqueness key within its experiment.
func (r NarrativeResult) Key() ResultKey {
	return ResultKey{IncidentID: r.IncidentID, NarrativeType: r.NarrativeType}
}

// ResultKey identifies a narrative within an experiment.
type ResultKey struct {
	IncidentID    string
	NarrativeType NarrativeType
}

// StoreOutcome reports what StoreResult did. A duplicate is a success.
type StoreOutcome struct {
	Success      bool
	ResultID     int64
	RowsAffected int
	Duplicate    bool
	Warning      string
}

// BatchOutcome aggregates a StoreResultsBatch call.
type BatchOutcome struct {
	Total      int
	Inserted   int
	Duplicates int
	Errors     int

	// ChunkErrors holds the error count of each chunk, in order.
	ChunkErrors []int
	// Failures lists every rejected row by its index in the input.
	Failures []RowError
}

// RowError is a row rejected by a batch insert.
type RowError struct {
	Index int
	Err   error
}

// Confusion holds outcome counts over an experiment's results.
type Confusion struct {
	Total       int
	TP          int
	TN          int
	FP          int
	FN          int
	ParseErrors int
}

// Outcome filters results by their derived flags.
type Outcome string

const (
	OutcomeAll           Outcome = ""
	OutcomeTruePositive  Outcome = "tp"
	OutcomeTrueNegative  Outcome = "tn"
	OutcomeFalsePositive Outcome = "fp"
	OutcomeFalseNegative Outcome = "fn"
	OutcomeDisagreements Outcome = "disagreements"
	OutcomeErrors        Outcome = "errors"
	OutcomeUndetermined  Outcome = "undetermined"
)

// ResultFilter narrows ListResults.
type ResultFilter struct {
	ExperimentID string
	Outcome      Outcome
	Type         NarrativeType
	Limit        int
}

// Stats summarizes the database contents.
type Stats struct {
	Narratives       int
	NarrativesByType map[NarrativeType]int
	WithText         int
	Experiments      map[ExperimentStatus]int
	Results          int
}
