package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseAggregationFromString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    Aggregation
		wantErr bool
	}{
		{input: "", want: AggregationAny},
		{input: "or", want: AggregationAny},
		{input: "any", want: AggregationAny},
		{input: " AND ", want: AggregationAll},
		{input: "all", want: AggregationAll},
		{input: "xor", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseAggregationFromString(tt.input)
		if tt.wantErr {
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("ParseAggregationFromString(%q) error = %v, want ErrValidation", tt.input, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseAggregationFromString(%q) unexpected error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("ParseAggregationFromString(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestParseOutcomeFromString(t *testing.T) {
	t.Parallel()

	got, err := ParseOutcomeFromString(" skipped ")
	if err != nil {
		t.Fatalf("ParseOutcomeFromString() unexpected error = %v", err)
	}
	if got != OutcomeSkipped {
		t.Fatalf("ParseOutcomeFromString() = %s, want %s", got, OutcomeSkipped)
	}

	if _, err := ParseOutcomeFromString("lost"); !errors.Is(err, ErrValidation) {
		t.Fatalf("ParseOutcomeFromString() error = %v, want ErrValidation", err)
	}

	if !OutcomeTransientFailure.IsFailure() || !OutcomePermanentFailure.IsFailure() {
		t.Fatal("failure outcomes should report IsFailure")
	}
	if OutcomeSkipped.IsFailure() || OutcomeSuccess.IsFailure() {
		t.Fatal("success/skipped should not report IsFailure")
	}
}

func TestReportJSONShape(t *testing.T) {
	t.Parallel()

	report := Report{
		ID:          "r1",
		Overall:     true,
		Aggregation: AggregationAny,
		Results: []DeliveryResult{
			{TargetID: "t1", Service: "json://host/", Scheme: "json", Outcome: OutcomeSuccess, Attempts: 1, Elapsed: 15 * time.Millisecond, ElapsedMS: 15},
		},
	}

	raw, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if decoded["overall"] != true {
		t.Fatalf("overall = %v, want true", decoded["overall"])
	}
	results, ok := decoded["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("results = %v, want one entry", decoded["results"])
	}
	first := results[0].(map[string]any)
	for _, key := range []string{"target_id", "outcome", "elapsed_ms"} {
		if _, ok := first[key]; !ok {
			t.Fatalf("result missing key %q: %v", key, first)
		}
	}
	if first["elapsed_ms"] != float64(15) {
		t.Fatalf("elapsed_ms = %v, want 15", first["elapsed_ms"])
	}
}

func TestReportCounts(t *testing.T) {
	t.Parallel()

	report := &Report{Results: []DeliveryResult{
		{Outcome: OutcomeSuccess},
		{Outcome: OutcomeSkipped},
		{Outcome: OutcomeSuccess},
	}}
	counts := report.Counts()
	if counts[OutcomeSuccess] != 2 || counts[OutcomeSkipped] != 1 {
		t.Fatalf("Counts() = %v", counts)
	}

	var nilReport *Report
	if len(nilReport.Counts()) != 0 {
		t.Fatal("nil report should have empty counts")
	}
}
