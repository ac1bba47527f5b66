package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openPostgresDB connects to the server named by IPVSCREEN_TEST_POSTGRES_DSN
// and starts from empty tables. The tests are skipped when it is unset.
func openPostgresDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("IPVSCREEN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IPVSCREEN_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, Options{Driver: DriverPostgres, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.conn.ExecContext(ctx, "TRUNCATE narrative_results, experiments, source_narratives RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return db
}

func TestPostgresStoreResult(t *testing.T) {
	db := openPostgresDB(t)
	ctx := context.Background()
	createExperiment(t, db, "pg1")

	r := result("pg1", "2019-001", NarrativeCME)
	first, err := db.StoreResult(ctx, &r)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := db.StoreResult(ctx, &r)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	bad := result("pg1", "2019-002", NarrativeCME)
	bad.ExperimentID = "ghost"
	_, err = db.StoreResult(ctx, &bad)
	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "experiment_id", ce.Field)

	got, err := db.ListResults(ctx, ResultFilter{ExperimentID: "pg1", Outcome: OutcomeTruePositive})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"prior threats", "estranged partner"}, got[0].Indicators)

	c, err := db.ConfusionCounts(ctx, "pg1")
	require.NoError(t, err)
	assert.Equal(t, Confusion{Total: 1, TP: 1}, c)
}

func TestPostgresBatchAndLifecycle(t *testing.T) {
	db := openPostgresDB(t)
	ctx := context.Background()
	createExperiment(t, db, "pg1")

	var rows []NarrativeResult
	for i := 0; i < 6; i++ {
		rows = append(rows, result("pg1", fmt.Sprintf("inc-%d", i), NarrativeLE))
	}
	rows[2].ExperimentID = "ghost"
	out, err := db.StoreResultsBatch(ctx, rows, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Inserted)
	assert.Equal(t, 1, out.Errors)

	require.NoError(t, db.FinalizeExperiment(ctx, "pg1", Finalization{EndTime: now(), Confusion: Confusion{TP: 5}}))
	assert.ErrorIs(t, db.FailExperiment(ctx, "pg1", "x"), ErrNotRunning)

	e, err := db.GetExperiment(ctx, "pg1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, 5, e.NarrativesProcessed)
}

func TestPostgresClassify(t *testing.T) {
	d := postgresDialect{}
	assert.ErrorIs(t, d.classify(&pq.Error{Code: "23505"}), errDuplicate)

	var ce *ConstraintError
	require.ErrorAs(t, d.classify(&pq.Error{Code: "23514", Constraint: "narrative_results_confidence_check"}), &ce)
	assert.Equal(t, "narrative_results_confidence_check", ce.Field)
	require.ErrorAs(t, d.classify(&pq.Error{Code: "23502", Column: "incident_id"}), &ce)
	assert.Equal(t, "incident_id", ce.Field)
	require.ErrorAs(t, d.classify(&pq.Error{Code: "23503", Constraint: "narrative_results_narrative_id_fkey"}), &ce)
	assert.Equal(t, "narrative_id", ce.Field)
	require.ErrorAs(t, d.classify(&pq.Error{Code: "23503", Constraint: "narrative_results_experiment_id_fkey"}), &ce)
	assert.Equal(t, "experiment_id", ce.Field)

	other := errors.New("connection reset")
	assert.Equal(t, other, d.classify(other))
}
