// Package experiment tracks experiment runs: it creates the experiment row,
// records per-narrative results, computes metrics, and moves the experiment
// to completed or failed.
package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/ipvscreen/internal/database"
	"github.com/TobiSchelling/ipvscreen/internal/parse"
)

// ErrInvalidTransition is returned when a terminal experiment is finalized,
// failed, or written to.
var ErrInvalidTransition = errors.New("invalid experiment state transition")

// EmptyNarrativeMessage is recorded for narratives with no text to analyze.
const EmptyNarrativeMessage = "Narrative text is empty"

// Config is the configuration snapshot echoed onto the experiment row.
type Config struct {
	Name          string
	Provider      string
	ModelName     string
	Temperature   float64
	MaxTokens     int
	PromptVersion string
	SystemPrompt  string
	UserTemplate  string
	DataSource    string
	AppVersion    string

	NarrativesTotal int

	// Snapshot is the full configuration, stored as JSON and otherwise opaque.
	Snapshot any
}

// Environment fingerprints the machine an experiment ran on.
type Environment struct {
	AppVersion string `json:"app_version"`
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	Hostname   string `json:"hostname,omitempty"`
}

// Summary is an experiment together with its derived metrics.
type Summary struct {
	Experiment database.Experiment
	Confusion  database.Confusion
	Metrics    Metrics
}

// Entry is one narrative's processed outcome, ready to be logged.
type Entry struct {
	Narrative database.Narrative
	Result    parse.Result
	Elapsed   time.Duration
}

// Manager owns the experiment lifecycle on top of a database.
type Manager struct {
	db     *database.DB
	logger *zap.Logger
	ids    *idSource
	now    func() time.Time
}

// NewManager creates a Manager.
func NewManager(db *database.DB, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:     db,
		logger: logger.Named("experiment"),
		ids:    newIDSource(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start inserts a running experiment and returns its ID.
func (m *Manager) Start(ctx context.Context, cfg Config) (string, error) {
	start := m.now()
	id, err := m.ids.next(start)
	if err != nil {
		return "", fmt.Errorf("generating experiment id: %w", err)
	}

	env, err := json.Marshal(fingerprint(cfg.AppVersion))
	if err != nil {
		return "", fmt.Errorf("encoding environment: %w", err)
	}
	var snapshot []byte
	if cfg.Snapshot != nil {
		if snapshot, err = json.Marshal(cfg.Snapshot); err != nil {
			return "", fmt.Errorf("encoding config snapshot: %w", err)
		}
	}

	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("%s %s", cfg.ModelName, start.Format("2006-01-02 15:04"))
	}

	e := &database.Experiment{
		ID:              id,
		Name:            name,
		Provider:        cfg.Provider,
		ModelName:       cfg.ModelName,
		Temperature:     cfg.Temperature,
		MaxTokens:       cfg.MaxTokens,
		PromptVersion:   cfg.PromptVersion,
		SystemPrompt:    cfg.SystemPrompt,
		UserTemplate:    cfg.UserTemplate,
		DataSource:      cfg.DataSource,
		Environment:     string(env),
		ConfigJSON:      string(snapshot),
		NarrativesTotal: cfg.NarrativesTotal,
		StartTime:       start,
	}
	if err := m.db.CreateExperiment(ctx, e); err != nil {
		return "", err
	}

	m.logger.Info("experiment started",
		zap.String("experiment_id", id),
		zap.String("name", name),
		zap.String("model", cfg.ModelName),
		zap.Int("narratives", cfg.NarrativesTotal))
	return id, nil
}

func fingerprint(appVersion string) Environment {
	host, _ := os.Hostname()
	return Environment{
		AppVersion: appVersion,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Hostname:   host,
	}
}

// BuildResult turns a parsed response into a storable row, copying the
// narrative's ground truth and deriving the confusion-matrix flags.
func (m *Manager) BuildResult(experimentID string, n database.Narrative, r parse.Result, elapsed time.Duration) database.NarrativeResult {
	row := database.NarrativeResult{
		ExperimentID:         experimentID,
		IncidentID:           n.IncidentID,
		NarrativeType:        n.Type,
		NarrativeText:        n.Text,
		ManualFlagIndividual: n.ManualFlagIndividual,
		ManualFlagCase:       n.ManualFlagCase,
		RawResponse:          r.RawResponse,
		ProcessedAt:          m.now(),
		PromptTokens:         r.PromptTokens,
		CompletionTokens:     r.CompletionTokens,
		TotalTokens:          r.TotalTokens,
		ModelName:            r.Model,
		Indicators:           []string{},
		ParseWarnings:        append([]string(nil), r.Warnings...),
	}
	if n.ID != 0 {
		id := n.ID
		row.NarrativeID = &id
	}
	if elapsed > 0 {
		secs := elapsed.Seconds()
		row.ResponseTimeSeconds = &secs
	}

	if r.ParseError() {
		msg := r.ErrorMessage()
		row.ErrorOccurred = true
		row.ErrorMessage = &msg
		return row
	}

	row.Detected = r.Detected
	row.Confidence = r.Confidence
	row.Rationale = r.Rationale
	if r.Indicators != nil {
		row.Indicators = r.Indicators
	}

	o := DeriveOutcome(r.Detected, n.ManualFlagIndividual)
	row.IsTruePositive = o.TruePositive
	row.IsTrueNegative = o.TrueNegative
	row.IsFalsePositive = o.FalsePositive
	row.IsFalseNegative = o.FalseNegative
	return row
}

// LogResult stores one narrative's result. The experiment's processed or
// skipped counter moves in the same transaction.
func (m *Manager) LogResult(ctx context.Context, experimentID string, n database.Narrative, r parse.Result, elapsed time.Duration) (database.StoreOutcome, error) {
	row := m.BuildResult(experimentID, n, r, elapsed)
	out, err := m.db.StoreResult(ctx, &row)
	if err != nil {
		return out, m.transitionErr(err)
	}

	fields := []zap.Field{
		zap.String("experiment_id", experimentID),
		zap.String("incident_id", n.IncidentID),
		zap.String("type", string(n.Type)),
	}
	switch {
	case out.Duplicate:
		m.logger.Debug("result already stored", append(fields, zap.String("warning", out.Warning))...)
	case r.ParseError():
		m.logger.Warn("narrative not parsed", append(fields, zap.String("error", r.ErrorMessage()))...)
	case len(r.Warnings) > 0:
		m.logger.Warn("parsed with warnings", append(fields, zap.Strings("warnings", r.Warnings))...)
	}
	return out, nil
}

// LogResults stores a batch of results in chunks. Rows rejected by storage
// constraints are counted and logged; only database failures are returned.
func (m *Manager) LogResults(ctx context.Context, experimentID string, entries []Entry, chunkSize int) (database.BatchOutcome, error) {
	rows := make([]database.NarrativeResult, len(entries))
	for i, e := range entries {
		rows[i] = m.BuildResult(experimentID, e.Narrative, e.Result, e.Elapsed)
	}
	out, err := m.db.StoreResultsBatch(ctx, rows, chunkSize)
	rejected := make(map[int]bool, len(out.Failures))
	for _, f := range out.Failures {
		rejected[f.Index] = true
		m.logger.Warn("result rejected",
			zap.String("experiment_id", experimentID),
			zap.String("incident_id", rows[f.Index].IncidentID),
			zap.String("type", string(rows[f.Index].NarrativeType)),
			zap.Error(f.Err))
	}
	for i, e := range entries {
		if rejected[i] || e.Result.ParseError() || len(e.Result.Warnings) == 0 {
			continue
		}
		m.logger.Warn("parsed with warnings",
			zap.String("experiment_id", experimentID),
			zap.String("incident_id", e.Narrative.IncidentID),
			zap.String("type", string(e.Narrative.Type)),
			zap.Strings("warnings", e.Result.Warnings))
	}
	if err != nil {
		return out, m.transitionErr(err)
	}
	return out, nil
}

// Finalize computes metrics from the stored results and marks the
// experiment completed.
func (m *Manager) Finalize(ctx context.Context, experimentID string) (*Summary, error) {
	e, err := m.db.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if e.Status != database.StatusRunning {
		return nil, fmt.Errorf("%w: experiment %s is %s", ErrInvalidTransition, experimentID, e.Status)
	}

	c, err := m.db.ConfusionCounts(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("counting outcomes: %w", err)
	}
	metrics := ComputeMetrics(c)

	end := m.now()
	f := database.Finalization{
		EndTime:             end,
		TotalRuntimeSeconds: max(end.Sub(e.StartTime).Seconds(), 0),
		Accuracy:            metrics.Accuracy,
		Precision:           metrics.Precision,
		Recall:              metrics.Recall,
		F1:                  metrics.F1,
		Confusion:           c,
	}
	if c.Total > 0 {
		total, err := m.db.SumResponseTime(ctx, experimentID)
		if err != nil {
			return nil, fmt.Errorf("summing response times: %w", err)
		}
		avg := total / float64(c.Total)
		f.AvgTimePerNarrative = &avg
	}

	if err := m.db.FinalizeExperiment(ctx, experimentID, f); err != nil {
		return nil, m.transitionErr(err)
	}

	m.logger.Info("experiment completed",
		zap.String("experiment_id", experimentID),
		zap.Int("results", c.Total),
		zap.Int("parse_errors", c.ParseErrors),
		zap.Float64("runtime_seconds", f.TotalRuntimeSeconds))
	return m.Summary(ctx, experimentID)
}

// MarkFailed moves a running experiment to failed, recording message in its
// notes.
func (m *Manager) MarkFailed(ctx context.Context, experimentID, message string) error {
	if err := m.db.FailExperiment(ctx, experimentID, message); err != nil {
		return m.transitionErr(err)
	}
	m.logger.Error("experiment failed",
		zap.String("experiment_id", experimentID),
		zap.String("reason", message))
	return nil
}

// Summary returns an experiment with its current confusion counts and
// metrics. For a running experiment the metrics are provisional.
func (m *Manager) Summary(ctx context.Context, experimentID string) (*Summary, error) {
	e, err := m.db.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	c, err := m.db.ConfusionCounts(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	return &Summary{Experiment: *e, Confusion: c, Metrics: ComputeMetrics(c)}, nil
}

// Running lists experiments that have not reached a terminal state, newest
// first. These are the candidates for resume.
func (m *Manager) Running(ctx context.Context) ([]database.Experiment, error) {
	return m.db.ListExperiments(ctx, database.StatusRunning)
}

// Pending filters narratives down to those without a stored result in the
// experiment, preserving order.
func (m *Manager) Pending(ctx context.Context, experimentID string, narratives []database.Narrative) ([]database.Narrative, error) {
	done, err := m.db.ProcessedKeys(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("loading processed narratives: %w", err)
	}
	pending := make([]database.Narrative, 0, len(narratives))
	for _, n := range narratives {
		if !done[n.Key()] {
			pending = append(pending, n)
		}
	}
	m.logger.Debug("resume state",
		zap.String("experiment_id", experimentID),
		zap.Int("done", len(done)),
		zap.Int("pending", len(pending)))
	return pending, nil
}

func (m *Manager) transitionErr(err error) error {
	if errors.Is(err, database.ErrNotRunning) {
		return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	return err
}
