// Package pipeline drives an experiment: it selects narratives, asks the
// model about each one, parses the reply, and stores the result through the
// experiment manager.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/ipvscreen/internal/database"
	"github.com/TobiSchelling/ipvscreen/internal/detect"
	"github.com/TobiSchelling/ipvscreen/internal/experiment"
	"github.com/TobiSchelling/ipvscreen/internal/parse"
)

// ErrInterrupted is returned when a run stops because its context was
// canceled. The experiment stays running and can be resumed.
var ErrInterrupted = errors.New("run interrupted")

const progressEvery = 25

// Opener opens an additional database handle for a parallel worker.
type Opener func(ctx context.Context) (*database.DB, error)

// Options selects narratives and controls how a run executes.
type Options struct {
	// Filter selects the narratives in scope. Resume must be given the same
	// filter as the original run.
	Filter database.NarrativeFilter

	// Workers above 1 process narratives concurrently, each worker writing
	// through its own database handle.
	Workers int
	// BatchSize is the number of results buffered per write. 1 stores each
	// result as soon as it is parsed.
	BatchSize int

	// Experiment is echoed onto the experiment row. NarrativesTotal is set by
	// the runner.
	Experiment experiment.Config
}

// Report summarizes one Run or Resume.
type Report struct {
	ExperimentID string
	InScope      int // narratives matching the filter
	Pending      int // narratives without a result when the run started
	Stored       int
	Duplicates   int
	ParseErrors  int
	StoreErrors  int
	Interrupted  bool
	Elapsed      time.Duration
	Summary      *experiment.Summary
}

// Plan describes what a run would do.
type Plan struct {
	ExperimentID string
	InScope      int
	Pending      int
	WithoutText  int
	ByType       map[database.NarrativeType]int
	Provider     string
	Model        string
	Workers      int
}

// Runner executes experiments. It is not safe for concurrent Runs.
type Runner struct {
	db       *database.DB
	open     Opener
	detector *detect.Detector
	parser   *parse.Parser
	manager  *experiment.Manager
	opts     Options
	logger   *zap.Logger
}

// New creates a Runner. open is only used when opts.Workers > 1; when it is
// nil every worker shares db.
func New(db *database.DB, open Opener, detector *detect.Detector, parser *parse.Parser, opts Options, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	return &Runner{
		db:       db,
		open:     open,
		detector: detector,
		parser:   parser,
		manager:  experiment.NewManager(db, logger),
		opts:     opts,
		logger:   logger.Named("pipeline"),
	}
}

// Run starts a new experiment over the narratives in scope and processes
// all of them.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	narratives, err := r.db.ListNarratives(ctx, r.opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("listing narratives: %w", err)
	}
	if len(narratives) == 0 {
		return nil, errors.New("no narratives in scope; load a data file first")
	}

	cfg := r.opts.Experiment
	cfg.NarrativesTotal = len(narratives)
	id, err := r.manager.Start(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("starting experiment: %w", err)
	}

	rep := &Report{ExperimentID: id, InScope: len(narratives), Pending: len(narratives)}
	return r.execute(ctx, rep, narratives)
}

// Resume continues a running experiment, processing only narratives without
// a stored result. Earlier results are left untouched.
func (r *Runner) Resume(ctx context.Context, experimentID string) (*Report, error) {
	e, err := r.db.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if e.Status != database.StatusRunning {
		return nil, fmt.Errorf("%w: experiment %s is %s", experiment.ErrInvalidTransition, experimentID, e.Status)
	}
	if model := r.opts.Experiment.ModelName; model != "" && model != e.ModelName {
		r.logger.Warn("resuming with a different model",
			zap.String("experiment_id", experimentID),
			zap.String("recorded", e.ModelName),
			zap.String("configured", model))
	}

	narratives, err := r.db.ListNarratives(ctx, r.opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("listing narratives: %w", err)
	}
	if len(narratives) != e.NarrativesTotal {
		r.logger.Warn("narratives in scope differ from the original run",
			zap.String("experiment_id", experimentID),
			zap.Int("recorded", e.NarrativesTotal),
			zap.Int("now", len(narratives)))
	}
	pending, err := r.manager.Pending(ctx, experimentID, narratives)
	if err != nil {
		return nil, err
	}

	r.logger.Info("resuming experiment",
		zap.String("experiment_id", experimentID),
		zap.Int("done", len(narratives)-len(pending)),
		zap.Int("pending", len(pending)))
	rep := &Report{ExperimentID: experimentID, InScope: len(narratives), Pending: len(pending)}
	return r.execute(ctx, rep, pending)
}

// DryRun reports what Run (experimentID empty) or Resume would process.
func (r *Runner) DryRun(ctx context.Context, experimentID string) (*Plan, error) {
	narratives, err := r.db.ListNarratives(ctx, r.opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("listing narratives: %w", err)
	}
	pending := narratives
	if experimentID != "" {
		if _, err := r.db.GetExperiment(ctx, experimentID); err != nil {
			return nil, err
		}
		if pending, err = r.manager.Pending(ctx, experimentID, narratives); err != nil {
			return nil, err
		}
	}

	p := &Plan{
		ExperimentID: experimentID,
		InScope:      len(narratives),
		Pending:      len(pending),
		ByType:       make(map[database.NarrativeType]int),
		Provider:     r.opts.Experiment.Provider,
		Model:        r.opts.Experiment.ModelName,
		Workers:      r.opts.Workers,
	}
	for _, n := range pending {
		p.ByType[n.Type]++
		if !n.HasText() {
			p.WithoutText++
		}
	}
	return p, nil
}

// execute processes pending narratives and moves the experiment to its
// final state. A canceled ctx leaves it running; any other failure marks it
// failed.
func (r *Runner) execute(ctx context.Context, rep *Report, pending []database.Narrative) (*Report, error) {
	start := time.Now()
	t := &tally{total: len(pending)}

	var err error
	if r.opts.Workers > 1 && len(pending) > 1 {
		err = r.parallel(ctx, rep.ExperimentID, pending, t)
	} else {
		err = r.sequential(ctx, r.manager, rep.ExperimentID, pending, t)
	}
	t.fill(rep)
	rep.Elapsed = time.Since(start)

	if ctx.Err() != nil {
		rep.Interrupted = true
		r.logger.Warn("run interrupted; experiment left running",
			zap.String("experiment_id", rep.ExperimentID),
			zap.Int("stored", rep.Stored),
			zap.String("resume", "ipvscreen resume "+rep.ExperimentID))
		return rep, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
	if err != nil {
		r.fail(ctx, rep.ExperimentID, err)
		return rep, err
	}

	summary, err := r.manager.Finalize(ctx, rep.ExperimentID)
	if err != nil {
		if !errors.Is(err, experiment.ErrInvalidTransition) {
			r.fail(ctx, rep.ExperimentID, err)
		}
		return rep, fmt.Errorf("finalizing experiment: %w", err)
	}
	rep.Summary = summary
	return rep, nil
}

func (r *Runner) fail(ctx context.Context, experimentID string, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.manager.MarkFailed(fctx, experimentID, cause.Error()); err != nil {
		r.logger.Error("could not mark experiment failed",
			zap.String("experiment_id", experimentID),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

func (r *Runner) sequential(ctx context.Context, m *experiment.Manager, experimentID string, pending []database.Narrative, t *tally) error {
	w := r.newWriter(m, experimentID, t)
	for _, n := range pending {
		entry, err := r.analyze(ctx, n)
		if err != nil {
			break
		}
		if err := w.add(ctx, entry); err != nil {
			return err
		}
	}
	return w.flush(context.WithoutCancel(ctx))
}

func (r *Runner) parallel(ctx context.Context, experimentID string, pending []database.Narrative, t *tally) error {
	workers := min(r.opts.Workers, len(pending))
	managers := make([]*experiment.Manager, workers)
	for i := range managers {
		db := r.db
		if r.open != nil {
			var err error
			if db, err = r.open(ctx); err != nil {
				return fmt.Errorf("opening database for worker %d: %w", i, err)
			}
			defer db.Close()
		}
		managers[i] = experiment.NewManager(db, r.logger.With(zap.Int("worker", i)))
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan database.Narrative)

	g.Go(func() error {
		defer close(jobs)
		for _, n := range pending {
			select {
			case jobs <- n:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for _, m := range managers {
		g.Go(func() error {
			w := r.newWriter(m, experimentID, t)
			for n := range jobs {
				entry, err := r.analyze(gctx, n)
				if err != nil {
					break
				}
				if err := w.add(gctx, entry); err != nil {
					return err
				}
			}
			return w.flush(context.WithoutCancel(gctx))
		})
	}

	return g.Wait()
}

// analyze produces the entry for one narrative. The error is non-nil only
// when ctx is done.
func (r *Runner) analyze(ctx context.Context, n database.Narrative) (experiment.Entry, error) {
	meta := map[string]string{"narrative_type": string(n.Type)}
	if !n.HasText() {
		return experiment.Entry{
			Narrative: n,
			Result:    parse.Failed(n.IncidentID, parse.KindEmptyInput, experiment.EmptyNarrativeMessage, meta),
		}, nil
	}

	call, err := r.detector.Detect(ctx, n)
	if err != nil {
		return experiment.Entry{}, err
	}
	meta["attempts"] = strconv.Itoa(call.Attempts)
	return experiment.Entry{
		Narrative: n,
		Result:    r.parser.Parse(call.Response, n.IncidentID, meta),
		Elapsed:   call.Elapsed,
	}, nil
}

// writer buffers entries for one worker and stores them through its manager.
type writer struct {
	r            *Runner
	m            *experiment.Manager
	experimentID string
	t            *tally
	buf          []experiment.Entry
}

func (r *Runner) newWriter(m *experiment.Manager, experimentID string, t *tally) *writer {
	return &writer{r: r, m: m, experimentID: experimentID, t: t}
}

// add buffers e and flushes a full buffer. Writes are not canceled with
// ctx, so a result that was paid for is not lost to an interrupt.
func (w *writer) add(ctx context.Context, e experiment.Entry) error {
	w.buf = append(w.buf, e)
	if len(w.buf) < w.r.opts.BatchSize {
		return nil
	}
	return w.flush(context.WithoutCancel(ctx))
}

func (w *writer) flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	entries := w.buf
	w.buf = nil

	if len(entries) == 1 {
		e := entries[0]
		out, err := w.m.LogResult(ctx, w.experimentID, e.Narrative, e.Result, e.Elapsed)
		switch {
		case err == nil:
			w.r.progress(w.t.record(1, boolInt(out.Duplicate), 0, parseErrors(entries)))
		case database.IsConstraint(err):
			w.r.logger.Warn("result rejected",
				zap.String("experiment_id", w.experimentID),
				zap.String("incident_id", e.Narrative.IncidentID),
				zap.Error(err))
			w.r.progress(w.t.record(1, 0, 1, 0))
		default:
			return fmt.Errorf("storing result for %s/%s: %w", e.Narrative.IncidentID, e.Narrative.Type, err)
		}
		return nil
	}

	out, err := w.m.LogResults(ctx, w.experimentID, entries, len(entries))
	if err != nil {
		return fmt.Errorf("storing results: %w", err)
	}
	w.r.progress(w.t.record(len(entries), out.Duplicates, out.Errors, parseErrors(entries)))
	return nil
}

func (r *Runner) progress(done, total int, crossed bool) {
	if crossed || done == total {
		r.logger.Info("progress", zap.Int("done", done), zap.Int("total", total))
	}
}

func parseErrors(entries []experiment.Entry) int {
	n := 0
	for _, e := range entries {
		if e.Result.ParseError() {
			n++
		}
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// tally aggregates counts across workers.
type tally struct {
	mu          sync.Mutex
	total       int
	done        int
	duplicates  int
	storeErrors int
	parseErrors int
}

// record adds a flushed batch and reports whether a progress milestone was
// crossed.
func (t *tally) record(n, duplicates, storeErrors, parseErrors int) (done, total int, crossed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	before := t.done
	t.done += n
	t.duplicates += duplicates
	t.storeErrors += storeErrors
	t.parseErrors += parseErrors
	return t.done, t.total, t.done/progressEvery > before/progressEvery
}

func (t *tally) fill(rep *Report) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep.Stored = t.done - t.duplicates - t.storeErrors
	rep.Duplicates = t.duplicates
	rep.StoreErrors = t.storeErrors
	rep.ParseErrors = t.parseErrors
}
