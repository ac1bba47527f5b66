package server

import (
	"time"

	"github.com/TobiSchelling/ipvscreen/internal/database"
	"github.com/TobiSchelling/ipvscreen/internal/experiment"
)

type experimentView struct {
	ID                  string     `json:"experiment_id"`
	Name                string     `json:"name"`
	Status              string     `json:"status"`
	Provider            string     `json:"provider"`
	ModelName           string     `json:"model_name"`
	Temperature         float64    `json:"temperature"`
	MaxTokens           int        `json:"max_tokens"`
	PromptVersion       string     `json:"prompt_version"`
	DataSource          string     `json:"data_source,omitempty"`
	NarrativesTotal     int        `json:"narratives_total"`
	NarrativesProcessed int        `json:"narratives_processed"`
	NarrativesSkipped   int        `json:"narratives_skipped"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             *time.Time `json:"end_time"`
	TotalRuntimeSeconds *float64   `json:"total_runtime_seconds"`
	AvgTimePerNarrative *float64   `json:"avg_time_per_narrative"`
	Accuracy            *float64   `json:"accuracy"`
	Precision           *float64   `json:"precision"`
	Recall              *float64   `json:"recall"`
	F1                  *float64   `json:"f1_score"`
	ParseErrors         *int       `json:"parse_errors"`
	Notes               *string    `json:"notes,omitempty"`
}

func newExperimentView(e *database.Experiment) experimentView {
	return experimentView{
		ID:                  e.ID,
		Name:                e.Name,
		Status:              string(e.Status),
		Provider:            e.Provider,
		ModelName:           e.ModelName,
		Temperature:         e.Temperature,
		MaxTokens:           e.MaxTokens,
		PromptVersion:       e.PromptVersion,
		DataSource:          e.DataSource,
		NarrativesTotal:     e.NarrativesTotal,
		NarrativesProcessed: e.NarrativesProcessed,
		NarrativesSkipped:   e.NarrativesSkipped,
		StartTime:           e.StartTime,
		EndTime:             e.EndTime,
		TotalRuntimeSeconds: e.TotalRuntimeSeconds,
		AvgTimePerNarrative: e.AvgTimePerNarrative,
		Accuracy:            e.Accuracy,
		Precision:           e.Precision,
		Recall:              e.Recall,
		F1:                  e.F1,
		ParseErrors:         e.ParseErrors,
		Notes:               e.Notes,
	}
}

type confusionView struct {
	Total       int `json:"total"`
	TP          int `json:"true_positives"`
	TN          int `json:"true_negatives"`
	FP          int `json:"false_positives"`
	FN          int `json:"false_negatives"`
	ParseErrors int `json:"parse_errors"`
}

type summaryView struct {
	Experiment experimentView     `json:"experiment"`
	Confusion  confusionView      `json:"confusion"`
	Metrics    experiment.Metrics `json:"metrics"`
}

type resultView struct {
	ResultID             int64    `json:"result_id"`
	IncidentID           string   `json:"incident_id"`
	NarrativeType        string   `json:"narrative_type"`
	ManualFlagIndividual *bool    `json:"manual_flag_individual"`
	Detected             *bool    `json:"detected"`
	Confidence           *float64 `json:"confidence"`
	Indicators           []string `json:"indicators"`
	Rationale            string   `json:"rationale,omitempty"`
	ResponseTimeSeconds  *float64 `json:"response_time_seconds"`
	TotalTokens          *int     `json:"total_tokens"`
	ErrorOccurred        bool     `json:"error_occurred"`
	ErrorMessage         *string  `json:"error_message,omitempty"`
	ParseWarnings        []string `json:"parse_warnings,omitempty"`
	Outcome              string   `json:"outcome,omitempty"`
}

func newResultView(r *database.NarrativeResult) resultView {
	v := resultView{
		ResultID:             r.ResultID,
		IncidentID:           r.IncidentID,
		NarrativeType:        string(r.NarrativeType),
		ManualFlagIndividual: r.ManualFlagIndividual,
		Detected:             r.Detected,
		Confidence:           r.Confidence,
		Indicators:           r.Indicators,
		Rationale:            r.Rationale,
		ResponseTimeSeconds:  r.ResponseTimeSeconds,
		TotalTokens:          r.TotalTokens,
		ErrorOccurred:        r.ErrorOccurred,
		ErrorMessage:         r.ErrorMessage,
		ParseWarnings:        r.ParseWarnings,
	}
	if v.Indicators == nil {
		v.Indicators = []string{}
	}
	switch {
	case r.IsTruePositive:
		v.Outcome = string(database.OutcomeTruePositive)
	case r.IsTrueNegative:
		v.Outcome = string(database.OutcomeTrueNegative)
	case r.IsFalsePositive:
		v.Outcome = string(database.OutcomeFalsePositive)
	case r.IsFalseNegative:
		v.Outcome = string(database.OutcomeFalseNegative)
	}
	return v
}

type statsView struct {
	Narratives       int                               `json:"narratives"`
	NarrativesByType map[database.NarrativeType]int    `json:"narratives_by_type"`
	WithText         int                               `json:"with_text"`
	Experiments      map[database.ExperimentStatus]int `json:"experiments"`
	Results          int                               `json:"results"`
}
