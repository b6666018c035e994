package dispatch

import (
	"sort"

	"github.com/kursadbilgin/fanout/internal/domain"
)

// IndexedResult is a delivery result tagged with the target's position in
// the submitted list.
type IndexedResult struct {
	Index  int
	Result domain.DeliveryResult
}

// Aggregate folds per-target results into a report. Results come back in
// submission order whatever order they finished in. Skipped targets never
// count against the overall flag.
func Aggregate(results []IndexedResult, agg domain.Aggregation) domain.Report {
	ordered := make([]IndexedResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	report := domain.Report{
		Aggregation: agg,
		Results:     make([]domain.DeliveryResult, 0, len(ordered)),
	}

	selected, succeeded := 0, 0
	for _, r := range ordered {
		report.Results = append(report.Results, r.Result)
		if r.Result.Outcome == domain.OutcomeSkipped {
			continue
		}
		selected++
		if r.Result.Outcome == domain.OutcomeSuccess {
			succeeded++
		}
	}

	switch agg {
	case domain.AggregationAll:
		report.Overall = selected > 0 && succeeded == selected
	default:
		report.Aggregation = domain.AggregationAny
		report.Overall = succeeded > 0
	}
	return report
}
