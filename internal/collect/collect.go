// Package collect loads source narratives from CSV or JSONL files into the
// database.
package collect

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/TobiSchelling/ipvscreen/internal/database"
)

// Result holds the results of a load.
type Result struct {
	TotalFound    int
	NewNarratives int
	Duplicates    int
	Invalid       int
	WithoutText   int
	ByType        map[database.NarrativeType]int
}

// Collector loads narrative files.
type Collector struct {
	db     *database.DB
	logger *zap.Logger
}

// NewCollector creates a new narrative collector.
func NewCollector(db *database.DB, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{db: db, logger: logger.Named("collect")}
}

// Load reads path and inserts its narratives. Records already loaded are
// counted as duplicates. Malformed records are skipped and counted.
func (c *Collector) Load(ctx context.Context, path string) (*Result, error) {
	narratives, invalid, err := ReadFile(path, c.logger)
	if err != nil {
		return nil, err
	}

	r := &Result{
		TotalFound: len(narratives) + invalid,
		Invalid:    invalid,
		ByType:     make(map[database.NarrativeType]int),
	}
	if len(narratives) == 0 {
		c.logger.Warn("no narratives found", zap.String("path", path))
		return r, nil
	}

	out, err := c.db.InsertNarratives(ctx, narratives)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	r.NewNarratives = out.Inserted
	r.Duplicates = out.Duplicates
	for _, n := range narratives {
		if n.ID == 0 {
			continue
		}
		r.ByType[n.Type]++
		if !n.HasText() {
			r.WithoutText++
		}
	}

	c.logger.Info("load complete",
		zap.String("path", path),
		zap.Int("found", r.TotalFound),
		zap.Int("new", r.NewNarratives),
		zap.Int("duplicates", r.Duplicates),
		zap.Int("invalid", r.Invalid))
	return r, nil
}

// ReadFile parses a narrative file. The format follows the extension: .jsonl
// and .ndjson are JSON lines, anything else is CSV with a header row.
func ReadFile(path string, logger *zap.Logger) ([]database.Narrative, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	source := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return ReadJSONL(f, source, logger)
	default:
		return ReadCSV(f, source, logger)
	}
}

var columnAliases = map[string]string{
	"incident_id":            "incident_id",
	"incidentid":             "incident_id",
	"id":                     "incident_id",
	"narrative_type":         "narrative_type",
	"type":                   "narrative_type",
	"narrative_text":         "narrative_text",
	"narrative":              "narrative_text",
	"text":                   "narrative_text",
	"manual_flag_individual": "manual_flag_individual",
	"manual_flag_ind":        "manual_flag_individual",
	"manual_flag_case":       "manual_flag_case",
}

// ReadCSV parses CSV with a header row naming at least incident_id and
// narrative_type.
func ReadCSV(r io.Reader, source string, logger *zap.Logger) ([]database.Narrative, int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading header: %w", err)
	}
	cols := make(map[string]int)
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if canonical, ok := columnAliases[key]; ok {
			if _, seen := cols[canonical]; !seen {
				cols[canonical] = i
			}
		}
	}
	for _, required := range []string{"incident_id", "narrative_type"} {
		if _, ok := cols[required]; !ok {
			return nil, 0, fmt.Errorf("missing required column %q", required)
		}
	}

	var narratives []database.Narrative
	invalid := 0
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("line %d: %w", line, err)
		}
		field := func(name string) string {
			if i, ok := cols[name]; ok && i < len(rec) {
				return rec[i]
			}
			return ""
		}
		raw := rawRecord{
			IncidentID:           field("incident_id"),
			NarrativeType:        field("narrative_type"),
			Text:                 field("narrative_text"),
			ManualFlagIndividual: field("manual_flag_individual"),
			ManualFlagCase:       field("manual_flag_case"),
		}
		n, err := raw.narrative(source)
		if err != nil {
			logger.Warn("skipping record", zap.String("source", source), zap.Int("line", line), zap.Error(err))
			invalid++
			continue
		}
		narratives = append(narratives, n)
	}
	return narratives, invalid, nil
}

// ReadJSONL parses one JSON object per line. Blank lines are ignored.
func ReadJSONL(r io.Reader, source string, logger *zap.Logger) ([]database.Narrative, int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var narratives []database.Narrative
	invalid := 0
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			logger.Warn("skipping record", zap.String("source", source), zap.Int("line", line), zap.Error(err))
			invalid++
			continue
		}
		var raw rawRecord
		for k, v := range obj {
			switch columnAliases[strings.ToLower(k)] {
			case "incident_id":
				raw.IncidentID = scalar(v)
			case "narrative_type":
				raw.NarrativeType = scalar(v)
			case "narrative_text":
				raw.Text = scalar(v)
			case "manual_flag_individual":
				raw.ManualFlagIndividual = scalar(v)
			case "manual_flag_case":
				raw.ManualFlagCase = scalar(v)
			}
		}
		n, err := raw.narrative(source)
		if err != nil {
			logger.Warn("skipping record", zap.String("source", source), zap.Int("line", line), zap.Error(err))
			invalid++
			continue
		}
		narratives = append(narratives, n)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	return narratives, invalid, nil
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

type rawRecord struct {
	IncidentID           string
	NarrativeType        string
	Text                 string
	ManualFlagIndividual string
	ManualFlagCase       string
}

func (r rawRecord) narrative(source string) (database.Narrative, error) {
	n := database.Narrative{
		IncidentID: strings.TrimSpace(r.IncidentID),
		Type:       database.NarrativeType(strings.ToLower(strings.TrimSpace(r.NarrativeType))),
		DataSource: source,
	}
	if n.IncidentID == "" {
		return n, errors.New("incident_id is empty")
	}
	if !n.Type.Valid() {
		return n, fmt.Errorf("narrative_type must be CME or LE, got %q", r.NarrativeType)
	}
	if text := strings.TrimSpace(r.Text); text != "" {
		n.Text = &text
	}

	var err error
	if n.ManualFlagIndividual, err = parseFlag(r.ManualFlagIndividual); err != nil {
		return n, fmt.Errorf("manual_flag_individual: %w", err)
	}
	if n.ManualFlagCase, err = parseFlag(r.ManualFlagCase); err != nil {
		return n, fmt.Errorf("manual_flag_case: %w", err)
	}
	return n, nil
}

// parseFlag reads a ground-truth flag. Blank and NA-style values mean
// unknown.
func parseFlag(s string) (*bool, error) {
	var v bool
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "na", "n/a", "nan", "null", "none":
		return nil, nil
	case "1", "1.0", "true", "t", "yes", "y":
		v = true
	case "0", "0.0", "false", "f", "no", "n":
		v = false
	default:
		return nil, fmt.Errorf("unrecognized flag value %q", s)
	}
	return &v, nil
}
