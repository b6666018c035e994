package dispatch

import (
	"testing"

	"github.com/kursadbilgin/fanout/internal/domain"
)

func TestAggregate(t *testing.T) {
	t.Parallel()

	result := func(i int, id string, outcome domain.Outcome) IndexedResult {
		return IndexedResult{Index: i, Result: domain.DeliveryResult{TargetID: id, Outcome: outcome}}
	}

	tests := []struct {
		name    string
		results []IndexedResult
		agg     domain.Aggregation
		want    bool
	}{
		{name: "or any success", agg: domain.AggregationAny, results: []IndexedResult{result(0, "a", domain.OutcomePermanentFailure), result(1, "b", domain.OutcomeSuccess)}, want: true},
		{name: "or only skipped", agg: domain.AggregationAny, results: []IndexedResult{result(0, "a", domain.OutcomeSkipped)}, want: false},
		{name: "and all success with skip", agg: domain.AggregationAll, results: []IndexedResult{result(0, "a", domain.OutcomeSuccess), result(1, "b", domain.OutcomeSkipped)}, want: true},
		{name: "and one transient", agg: domain.AggregationAll, results: []IndexedResult{result(0, "a", domain.OutcomeSuccess), result(1, "b", domain.OutcomeTransientFailure)}, want: false},
		{name: "and empty", agg: domain.AggregationAll, want: false},
		{name: "unknown aggregation behaves as or", agg: domain.Aggregation(""), results: []IndexedResult{result(0, "a", domain.OutcomeSuccess)}, want: true},
	}

	for _, tc := range tests {
		report := Aggregate(tc.results, tc.agg)
		if report.Overall != tc.want {
			t.Fatalf("%s: Overall = %v, want %v", tc.name, report.Overall, tc.want)
		}
		if len(report.Results) != len(tc.results) {
			t.Fatalf("%s: len(Results) = %d, want %d", tc.name, len(report.Results), len(tc.results))
		}
	}
}

func TestAggregateOrdersByIndex(t *testing.T) {
	t.Parallel()

	in := []IndexedResult{
		{Index: 2, Result: domain.DeliveryResult{TargetID: "c"}},
		{Index: 0, Result: domain.DeliveryResult{TargetID: "a"}},
		{Index: 1, Result: domain.DeliveryResult{TargetID: "b"}},
	}

	report := Aggregate(in, domain.AggregationAny)
	for i, want := range []string{"a", "b", "c"} {
		if got := report.Results[i].TargetID; got != want {
			t.Fatalf("Results[%d].TargetID = %s, want %s", i, got, want)
		}
	}
	if in[0].Index != 2 {
		t.Fatal("Aggregate() reordered its input")
	}
}
