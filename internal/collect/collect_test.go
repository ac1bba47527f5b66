package collect

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/ipvscreen/internal/database"
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

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func ptr[T any](v T) *T { return &v }

const sampleCSV = `incident_id,narrative_type,narrative_text,manual_flag_individual,manual_flag_case
2021-001,CME,"Victim was found by her partner, who called 911.",1,1
2021-001,LE,Officers responded to a domestic call.,0,1
2021-002,cme,,NA,
,LE,missing id,0,0
2021-003,XX,bad type,0,0
2021-004,LE,Flag is odd,maybe,0
`

func TestReadCSV(t *testing.T) {
	got, invalid, err := ReadCSV(strings.NewReader(sampleCSV), "sample.csv", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, invalid)

	want := []database.Narrative{
		{IncidentID: "2021-001", Type: database.NarrativeCME, Text: ptr("Victim was found by her partner, who called 911."),
			ManualFlagIndividual: ptr(true), ManualFlagCase: ptr(true), DataSource: "sample.csv"},
		{IncidentID: "2021-001", Type: database.NarrativeLE, Text: ptr("Officers responded to a domestic call."),
			ManualFlagIndividual: ptr(false), ManualFlagCase: ptr(true), DataSource: "sample.csv"},
		{IncidentID: "2021-002", Type: database.NarrativeCME, DataSource: "sample.csv"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadCSV mismatch (-want +got):\n%s", diff)
	}
}

func TestReadCSVHeaderAliases(t *testing.T) {
	in := "\ufeffIncidentID,Type,Narrative,Manual_Flag_Ind\nA1,le,text,yes\n"
	got, invalid, err := ReadCSV(strings.NewReader(in), "s", nil)
	require.NoError(t, err)
	assert.Zero(t, invalid)
	require.Len(t, got, 1)
	assert.Equal(t, "A1", got[0].IncidentID)
	assert.Equal(t, "text", *got[0].Text)
	assert.True(t, *got[0].ManualFlagIndividual)
	assert.Nil(t, got[0].ManualFlagCase)
}

func TestReadCSVMissingColumn(t *testing.T) {
	_, _, err := ReadCSV(strings.NewReader("incident_id,text\n1,x\n"), "s", nil)
	assert.ErrorContains(t, err, "narrative_type")

	got, invalid, err := ReadCSV(strings.NewReader(""), "s", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, invalid)
}

func TestReadJSONL(t *testing.T) {
	in := `{"incident_id": "2021-001", "narrative_type": "CME", "narrative_text": "text a", "manual_flag_individual": true}
{"incident_id": 2021002, "narrative_type": "LE", "narrative_text": null, "manual_flag_individual": 0}

not json
{"incident_id": "2021-003", "narrative_type": "other"}
`
	got, invalid, err := ReadJSONL(strings.NewReader(in), "s.jsonl", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, invalid)

	want := []database.Narrative{
		{IncidentID: "2021-001", Type: database.NarrativeCME, Text: ptr("text a"), ManualFlagIndividual: ptr(true), DataSource: "s.jsonl"},
		{IncidentID: "2021002", Type: database.NarrativeLE, ManualFlagIndividual: ptr(false), DataSource: "s.jsonl"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadJSONL mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFlag(t *testing.T) {
	tests := []struct {
		in      string
		want    *bool
		wantErr bool
	}{
		{"", nil, false},
		{"NA", nil, false},
		{" null ", nil, false},
		{"1", ptr(true), false},
		{"TRUE", ptr(true), false},
		{"1.0", ptr(true), false},
		{"0", ptr(false), false},
		{"No", ptr(false), false},
		{"2", nil, true},
	}
	for _, tt := range tests {
		got, err := parseFlag(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestLoad(t *testing.T) {
	db := openTestDB(t)
	c := NewCollector(db, nil)
	ctx := context.Background()
	path := writeFile(t, "narratives.csv", sampleCSV)

	r, err := c.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 6, r.TotalFound)
	assert.Equal(t, 3, r.NewNarratives)
	assert.Equal(t, 0, r.Duplicates)
	assert.Equal(t, 3, r.Invalid)
	assert.Equal(t, 1, r.WithoutText)
	assert.Equal(t, map[database.NarrativeType]int{database.NarrativeCME: 2, database.NarrativeLE: 1}, r.ByType)

	again, err := c.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 0, again.NewNarratives)
	assert.Equal(t, 3, again.Duplicates)

	stored, err := db.ListNarratives(ctx, database.NarrativeFilter{DataSource: "narratives.csv"})
	require.NoError(t, err)
	want := []database.Narrative{
		{IncidentID: "2021-001", Type: database.NarrativeCME},
		{IncidentID: "2021-001", Type: database.NarrativeLE},
		{IncidentID: "2021-002", Type: database.NarrativeCME},
	}
	opts := cmpopts.IgnoreFields(database.Narrative{}, "ID", "Text", "ManualFlagIndividual", "ManualFlagCase", "DataSource", "LoadedAt")
	if diff := cmp.Diff(want, stored, opts); diff != "" {
		t.Errorf("stored narratives mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadJSONLFile(t *testing.T) {
	db := openTestDB(t)
	path := writeFile(t, "n.jsonl", `{"incident_id": "x", "narrative_type": "le", "narrative_text": "t"}`+"\n")

	r, err := NewCollector(db, nil).Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, r.NewNarratives)
	assert.Equal(t, 1, r.ByType[database.NarrativeLE])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewCollector(openTestDB(t), nil).Load(context.Background(), filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}
