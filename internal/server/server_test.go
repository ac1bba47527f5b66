package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/ipvscreen/internal/database"
	"github.com/TobiSchelling/ipvscreen/internal/experiment"
	"github.com/TobiSchelling/ipvscreen/internal/llm"
	"github.com/TobiSchelling/ipvscreen/internal/parse"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), database.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr[T any](v T) *T { return &v }

// seedExperiment stores a completed experiment with one result per outcome
// plus one parse error.
func seedExperiment(t *testing.T, db *database.DB) string {
	t.Helper()
	ctx := context.Background()
	m := experiment.NewManager(db, nil)
	id, err := m.Start(ctx, experiment.Config{Name: "seeded", Provider: "ollama", ModelName: "llama3"})
	require.NoError(t, err)

	p := parse.New(parse.Options{})
	rows := []struct {
		incident string
		truth    bool
		reply    string
	}{
		{"tp", true, `{"detected": true, "confidence": 0.9}`},
		{"tn", false, `{"detected": false}`},
		{"fp", false, `{"detected": true}`},
		{"fn", true, `{"detected": false}`},
		{"err", true, `no json here`},
	}
	for _, r := range rows {
		n := database.Narrative{IncidentID: r.incident, Type: database.NarrativeLE, Text: ptr("text"), ManualFlagIndividual: ptr(r.truth)}
		_, err := m.LogResult(ctx, id, n, p.Parse(llm.TextResponse("llama3", r.reply, nil), r.incident, nil), 0)
		require.NoError(t, err)
	}
	_, err = m.Finalize(ctx, id)
	require.NoError(t, err)
	return id
}

func get(t *testing.T, srv *Server, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	srv := New(openTestDB(t), nil)
	var body map[string]string
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, database.DriverSQLite, body["driver"])
}

func TestListExperiments(t *testing.T) {
	db := openTestDB(t)
	id := seedExperiment(t, db)
	srv := New(db, nil)

	var all []map[string]any
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/experiments", &all))
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0]["experiment_id"])
	assert.Equal(t, "completed", all[0]["status"])

	var running []map[string]any
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/experiments?status=running", &running))
	assert.Empty(t, running)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/experiments?status=paused", nil))
}

func TestGetExperiment(t *testing.T) {
	db := openTestDB(t)
	id := seedExperiment(t, db)
	srv := New(db, nil)

	var body struct {
		Experiment struct {
			ID          string   `json:"experiment_id"`
			Accuracy    *float64 `json:"accuracy"`
			ParseErrors *int     `json:"parse_errors"`
		} `json:"experiment"`
		Confusion struct {
			Total int `json:"total"`
			TP    int `json:"true_positives"`
			FN    int `json:"false_negatives"`
		} `json:"confusion"`
		Metrics struct {
			Precision *float64 `json:"precision"`
		} `json:"metrics"`
	}
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/experiments/"+id, &body))
	assert.Equal(t, id, body.Experiment.ID)
	assert.Equal(t, 0.5, *body.Experiment.Accuracy)
	assert.Equal(t, 1, *body.Experiment.ParseErrors)
	assert.Equal(t, 5, body.Confusion.Total)
	assert.Equal(t, 1, body.Confusion.TP)
	assert.Equal(t, 1, body.Confusion.FN)
	assert.Equal(t, 0.5, *body.Metrics.Precision)

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/experiments/nope", &errBody))
	assert.NotEmpty(t, errBody["error"])
}

func TestListResults(t *testing.T) {
	db := openTestDB(t)
	id := seedExperiment(t, db)
	srv := New(db, nil)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"tp", "tn", "fp", "fn", "err"}},
		{"?outcome=disagreements", []string{"fp", "fn"}},
		{"?outcome=fp", []string{"fp"}},
		{"?outcome=errors", []string{"err"}},
		{"?limit=2", []string{"tp", "tn"}},
		{"?type=cme", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var results []struct {
				IncidentID string   `json:"incident_id"`
				Outcome    string   `json:"outcome"`
				Indicators []string `json:"indicators"`
			}
			require.Equal(t, http.StatusOK, get(t, srv, "/api/experiments/"+id+"/results"+tt.query, &results))
			got := []string{}
			for _, r := range results {
				got = append(got, r.IncidentID)
				assert.NotNil(t, r.Indicators)
				if r.IncidentID != "err" {
					assert.Equal(t, r.IncidentID, r.Outcome)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListResultsBadRequests(t *testing.T) {
	db := openTestDB(t)
	id := seedExperiment(t, db)
	srv := New(db, nil)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/experiments/"+id+"/results?outcome=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/experiments/"+id+"/results?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/experiments/"+id+"/results?type=ems", nil))
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/experiments/missing/results", nil))
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	seedExperiment(t, db)
	srv := New(db, nil)

	var body struct {
		Experiments map[string]int `json:"experiments"`
		Results     int            `json:"results"`
	}
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/stats", &body))
	assert.Equal(t, 1, body.Experiments["completed"])
	assert.Equal(t, 5, body.Results)
}

func TestServeShutsDown(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, db, "127.0.0.1", 0, nil) }()
	cancel()
	assert.NoError(t, <-done)
}
