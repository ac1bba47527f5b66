package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/TobiSchelling/ipvscreen/internal/collect"
	"github.com/TobiSchelling/ipvscreen/internal/config"
	"github.com/TobiSchelling/ipvscreen/internal/database"
	"github.com/TobiSchelling/ipvscreen/internal/detect"
	"github.com/TobiSchelling/ipvscreen/internal/experiment"
	"github.com/TobiSchelling/ipvscreen/internal/llm"
	"github.com/TobiSchelling/ipvscreen/internal/parse"
	"github.com/TobiSchelling/ipvscreen/internal/pipeline"
	"github.com/TobiSchelling/ipvscreen/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = zap.NewNop()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if errors.Is(err, pipeline.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "ipvscreen",
	Short:        "LLM screening of death narratives for intimate partner violence",
	Long:         "ipvscreen sends CME and LE narratives to a language model, parses its verdicts, and tracks each batch as a resumable experiment.",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level, err := cfg.LogLevel()
		if err != nil {
			return err
		}
		if verbose {
			level = zapcore.DebugLevel
		}
		logger, err = newLogger(level)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "console"
	zc.Sampling = nil
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zc.Build()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(experimentsCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ipvscreen", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/ipvscreen/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to choose the LLM provider, model, prompt and storage backend.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s (%s)\n\n", describeLocation(db), db.Driver())
		fmt.Println("Narratives:")
		fmt.Printf("  Total loaded: %d\n", stats.Narratives)
		fmt.Printf("  CME: %d\n", stats.NarrativesByType[database.NarrativeCME])
		fmt.Printf("  LE: %d\n", stats.NarrativesByType[database.NarrativeLE])
		fmt.Printf("  With text: %d\n", stats.WithText)
		fmt.Println("\nExperiments:")
		fmt.Printf("  Running: %d\n", stats.Experiments[database.StatusRunning])
		fmt.Printf("  Completed: %d\n", stats.Experiments[database.StatusCompleted])
		fmt.Printf("  Failed: %d\n", stats.Experiments[database.StatusFailed])
		fmt.Printf("  Results stored: %d\n", stats.Results)
		return nil
	},
}

// --- load command ---

var loadReplace bool

var loadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load narratives from a CSV or JSONL file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		if loadReplace {
			removed, err := db.DeleteNarrativesBySource(cmd.Context(), filepath.Base(args[0]))
			if err != nil {
				return fmt.Errorf("removing previous load: %w", err)
			}
			fmt.Printf("Removed %d narratives from a previous load\n", removed)
		}

		result, err := collect.NewCollector(db, logger).Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Println("Load complete:")
		fmt.Printf("  Records found: %d\n", result.TotalFound)
		fmt.Printf("  New narratives: %d\n", result.NewNarratives)
		fmt.Printf("  Duplicates skipped: %d\n", result.Duplicates)
		fmt.Printf("  Invalid records: %d\n", result.Invalid)
		fmt.Printf("  Without text: %d\n", result.WithoutText)
		for _, t := range []database.NarrativeType{database.NarrativeCME, database.NarrativeLE} {
			fmt.Printf("  %s: %d\n", strings.ToUpper(string(t)), result.ByType[t])
		}
		return nil
	},
}

func init() {
	loadCmd.Flags().BoolVar(&loadReplace, "replace", false, "Remove narratives previously loaded from a file of the same name")
}

// --- run and resume commands ---

var (
	runName    string
	runLimit   int
	runType    string
	runSource  string
	runWorkers int
	runBatch   int
	dryRun     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new experiment over the loaded narratives",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		runner, err := newRunner(ctx, cmd, db)
		if err != nil {
			return err
		}

		if dryRun {
			plan, err := runner.DryRun(ctx, "")
			if err != nil {
				return err
			}
			printPlan(plan)
			return nil
		}

		rep, err := runner.Run(ctx)
		printReport(rep)
		return err
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [experiment-id]",
	Short: "Continue an interrupted experiment",
	Long:  "Continue a running experiment, processing only narratives without a stored result. Without an ID the most recent running experiment is resumed. Pass the same --type, --limit and --source as the original run.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		var id string
		if len(args) == 1 {
			id = args[0]
		} else {
			running, err := experiment.NewManager(db, logger).Running(ctx)
			if err != nil {
				return err
			}
			if len(running) == 0 {
				fmt.Println("No running experiments to resume.")
				return nil
			}
			id = running[0].ID
			if len(running) > 1 {
				fmt.Printf("%d experiments are running; resuming the most recent (%s).\n", len(running), id)
			}
		}

		runner, err := newRunner(ctx, cmd, db)
		if err != nil {
			return err
		}

		if dryRun {
			plan, err := runner.DryRun(ctx, id)
			if err != nil {
				return err
			}
			printPlan(plan)
			return nil
		}

		rep, err := runner.Resume(ctx, id)
		printReport(rep)
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().IntVar(&runLimit, "limit", 0, "Process at most this many narratives (0 = config)")
		c.Flags().StringVar(&runType, "type", "", "Only narratives of this type: cme or le")
		c.Flags().StringVar(&runSource, "source", "", "Only narratives loaded from this file name")
		c.Flags().IntVar(&runWorkers, "workers", 0, "Concurrent workers (0 = config)")
		c.Flags().IntVar(&runBatch, "batch-size", 0, "Results written per transaction (0 = config)")
		c.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be processed without calling the model")
	}
	runCmd.Flags().StringVar(&runName, "name", "", "Experiment name (default: model and start time)")
}

// newRunner wires the provider, detector, parser and storage into a runner.
// Flags override the config.
func newRunner(ctx context.Context, cmd *cobra.Command, db *database.DB) (*pipeline.Runner, error) {
	run := cfg.Run
	if cmd.Flags().Changed("limit") {
		run.Limit = runLimit
	}
	if runType != "" {
		run.NarrativeType = runType
	}
	if runSource != "" {
		run.DataSource = runSource
	}
	if runWorkers > 0 {
		run.Workers = runWorkers
	}
	if runBatch > 0 {
		run.BatchSize = runBatch
	}
	narrativeType, err := parseNarrativeType(run.NarrativeType)
	if err != nil {
		return nil, err
	}

	provider, err := llm.CreateProvider(ctx, llm.Settings{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.APIKey(),
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	prompts := detect.Prompts{
		System:       cfg.Prompt.System,
		UserTemplate: cfg.Prompt.UserTemplate,
		Version:      cfg.Prompt.Version,
	}
	detector := detect.New(provider, prompts, detect.Options{
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
		BaseDelay:  cfg.LLM.RetryBaseDelay,
		MaxDelay:   cfg.LLM.RetryMaxDelay,
	}, detect.NewLimiter(cfg.LLM.RequestsPerSecond, cfg.LLM.Burst), logger)

	snapshot := *cfg
	snapshot.Run = run

	opts := pipeline.Options{
		Filter: database.NarrativeFilter{
			DataSource: run.DataSource,
			Type:       narrativeType,
			Limit:      run.Limit,
		},
		Workers:   run.Workers,
		BatchSize: run.BatchSize,
		Experiment: experiment.Config{
			Name:          runName,
			Provider:      provider.Name(),
			ModelName:     provider.Model(),
			Temperature:   cfg.LLM.Temperature,
			MaxTokens:     cfg.LLM.MaxTokens,
			PromptVersion: cfg.Prompt.Version,
			SystemPrompt:  cfg.Prompt.System,
			UserTemplate:  cfg.Prompt.UserTemplate,
			DataSource:    run.DataSource,
			AppVersion:    version,
			Snapshot:      snapshot,
		},
	}

	var open pipeline.Opener
	if run.Workers > 1 {
		open = func(ctx context.Context) (*database.DB, error) { return openDB(ctx) }
	}
	parser := parse.New(parse.Options{MaxRationaleLength: run.MaxRationaleLength})
	return pipeline.New(db, open, detector, parser, opts, logger), nil
}

// parseNarrativeType accepts the --type flag or run.narrative_type; empty
// means both types.
func parseNarrativeType(s string) (database.NarrativeType, error) {
	t := database.NarrativeType(strings.ToLower(strings.TrimSpace(s)))
	if t != "" && !t.Valid() {
		return "", fmt.Errorf("narrative type must be cme or le, got %q", s)
	}
	return t, nil
}

func printPlan(p *pipeline.Plan) {
	if p.ExperimentID != "" {
		fmt.Printf("[dry-run] Resume %s\n", p.ExperimentID)
	} else {
		fmt.Println("[dry-run] New experiment")
	}
	fmt.Printf("  Model: %s (%s)\n", p.Model, p.Provider)
	fmt.Printf("  Narratives in scope: %d\n", p.InScope)
	fmt.Printf("  Pending: %d (CME %d, LE %d)\n", p.Pending, p.ByType[database.NarrativeCME], p.ByType[database.NarrativeLE])
	fmt.Printf("  Without text (recorded as errors, not sent): %d\n", p.WithoutText)
	fmt.Printf("  Workers: %d\n", p.Workers)
}

func printReport(rep *pipeline.Report) {
	if rep == nil {
		return
	}
	fmt.Printf("\nExperiment %s\n", rep.ExperimentID)
	fmt.Printf("  Narratives in scope: %d, pending at start: %d\n", rep.InScope, rep.Pending)
	fmt.Printf("  Stored: %d, duplicates: %d, parse errors: %d, rejected: %d\n",
		rep.Stored, rep.Duplicates, rep.ParseErrors, rep.StoreErrors)
	fmt.Printf("  Elapsed: %s\n", rep.Elapsed.Round(time.Millisecond))

	if rep.Interrupted {
		fmt.Printf("\nInterrupted. The experiment is still running; continue with:\n  ipvscreen resume %s\n", rep.ExperimentID)
		return
	}
	if rep.Summary != nil {
		printSummary(rep.Summary)
	}
}

// --- experiments command ---

var (
	listStatus  string
	showOutcome string
	showLimit   int
)

var experimentsCmd = &cobra.Command{
	Use:   "experiments",
	Short: "Inspect experiments",
}

var experimentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := db.ListExperiments(cmd.Context(), database.ExperimentStatus(listStatus))
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No experiments. Start one with: ipvscreen run")
			return nil
		}

		for _, e := range items {
			f1 := "-"
			if e.F1 != nil {
				f1 = fmt.Sprintf("%.3f", *e.F1)
			}
			fmt.Printf("  %s  %-9s  %-24s  %d/%d  F1 %s  %s\n",
				e.ID, e.Status, e.ModelName, e.NarrativesProcessed, e.NarrativesTotal, f1, e.Name)
		}
		return nil
	},
}

var experimentsShowCmd = &cobra.Command{
	Use:   "show <experiment-id>",
	Short: "Show an experiment's configuration, metrics and results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		summary, err := experiment.NewManager(db, logger).Summary(ctx, args[0])
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("experiment %s not found", args[0])
		}
		if err != nil {
			return err
		}

		e := summary.Experiment
		fmt.Printf("Experiment %s: %s\n", e.ID, e.Name)
		fmt.Printf("  Status: %s\n", e.Status)
		fmt.Printf("  Model: %s (%s), temperature %.2f, max tokens %d\n", e.ModelName, e.Provider, e.Temperature, e.MaxTokens)
		fmt.Printf("  Prompt version: %s\n", e.PromptVersion)
		fmt.Printf("  Started: %s\n", e.StartTime.Local().Format("2006-01-02 15:04:05"))
		if e.EndTime != nil {
			fmt.Printf("  Ended: %s\n", e.EndTime.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("  Processed: %d of %d (%d duplicates skipped)\n", e.NarrativesProcessed, e.NarrativesTotal, e.NarrativesSkipped)
		if e.Notes != nil {
			fmt.Printf("  Notes: %s\n", *e.Notes)
		}
		printSummary(summary)

		if showOutcome == "" {
			return nil
		}
		results, err := db.ListResults(ctx, database.ResultFilter{
			ExperimentID: e.ID,
			Outcome:      database.Outcome(showOutcome),
			Limit:        showLimit,
		})
		if err != nil {
			return err
		}
		fmt.Printf("\nResults (%s): %d\n", showOutcome, len(results))
		for _, r := range results {
			verdict := "?"
			if r.Detected != nil {
				verdict = fmt.Sprintf("%t", *r.Detected)
			}
			fmt.Printf("  %s/%s detected=%s", r.IncidentID, strings.ToUpper(string(r.NarrativeType)), verdict)
			if r.ErrorMessage != nil {
				fmt.Printf(" error=%q", *r.ErrorMessage)
			}
			for _, w := range r.ParseWarnings {
				fmt.Printf(" warning=%q", w)
			}
			fmt.Println()
			if r.Rationale != "" {
				fmt.Printf("      %s\n", truncate(r.Rationale, 160))
			}
		}
		return nil
	},
}

func init() {
	experimentsListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status: running, completed or failed")
	experimentsShowCmd.Flags().StringVar(&showOutcome, "outcome", "", "List results: tp, tn, fp, fn, disagreements, errors, undetermined")
	experimentsShowCmd.Flags().IntVar(&showLimit, "limit", 50, "Maximum results to list")
	experimentsCmd.AddCommand(experimentsListCmd)
	experimentsCmd.AddCommand(experimentsShowCmd)
}

func printSummary(s *experiment.Summary) {
	c := s.Confusion
	fmt.Println("\nConfusion matrix:")
	fmt.Printf("  TP %d  FP %d\n  FN %d  TN %d\n", c.TP, c.FP, c.FN, c.TN)
	fmt.Printf("  Results: %d, parse errors: %d, undetermined: %d\n",
		c.Total, c.ParseErrors, c.Total-c.ParseErrors-c.TP-c.TN-c.FP-c.FN)

	fmt.Println("\nMetrics:")
	metrics := []struct {
		name string
		v    *float64
	}{
		{"Accuracy", s.Metrics.Accuracy},
		{"Precision", s.Metrics.Precision},
		{"Recall", s.Metrics.Recall},
		{"F1", s.Metrics.F1},
	}
	for _, m := range metrics {
		if m.v == nil {
			fmt.Printf("  %-9s  n/a\n", m.name)
			continue
		}
		fmt.Printf("  %-9s  %.3f\n", m.name, *m.v)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve experiments as read-only JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Printf("Serving http://%s:%d/api/experiments\n", cfg.Server.Host, port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(cmd.Context(), db, cfg.Server.Host, port, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// openDB opens the configured backend. The location is resolved from config
// once per command.
func openDB(ctx context.Context) (*database.DB, error) {
	opts := database.Options{Driver: cfg.Storage.Driver, Logger: logger}
	if cfg.IsPostgres() {
		dsn, err := cfg.PostgresDSN()
		if err != nil {
			return nil, err
		}
		opts.DSN = dsn
	} else {
		opts.Path = cfg.GetDatabasePath()
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	return database.Open(ctx, opts)
}

func describeLocation(db *database.DB) string {
	if db.Driver() == database.DriverPostgres {
		return "postgres server"
	}
	return db.Path()
}
