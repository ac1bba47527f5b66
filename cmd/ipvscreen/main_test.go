package main

import (
	"strings"
	"testing"

	"github.com/TobiSchelling/ipvscreen/internal/database"
)

func TestParseNarrativeType(t *testing.T) {
	tests := []struct {
		in      string
		want    database.NarrativeType
		wantErr bool
	}{
		{"", "", false},
		{"cme", database.NarrativeCME, false},
		{"LE", database.NarrativeLE, false},
		{" le ", database.NarrativeLE, false},
		{"ems", "", true},
	}
	for _, tt := range tests {
		got, err := parseNarrativeType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseNarrativeType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseNarrativeType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseNarrativeTypeQuotesValue(t *testing.T) {
	_, err := parseNarrativeType("coroner")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), `"coroner"`) {
		t.Errorf("error %q does not name the rejected value", err)
	}
}
