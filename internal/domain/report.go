package domain

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the final state of one target within a dispatch.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeTransientFailure Outcome = "TRANSIENT_FAILURE"
	OutcomePermanentFailure Outcome = "PERMANENT_FAILURE"
	OutcomeSkipped          Outcome = "SKIPPED"
)

func (o Outcome) String() string { return string(o) }

func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeTransientFailure, OutcomePermanentFailure, OutcomeSkipped:
		return true
	}
	return false
}

func (o Outcome) IsFailure() bool {
	return o == OutcomeTransientFailure || o == OutcomePermanentFailure
}

func ParseOutcomeFromString(s string) (Outcome, error) {
	o := Outcome(strings.ToUpper(strings.TrimSpace(s)))
	if !o.IsValid() {
		return "", fmt.Errorf("%w: invalid outcome %q", ErrValidation, s)
	}
	return o, nil
}

// Aggregation decides how per-target outcomes fold into the overall flag.
type Aggregation string

const (
	// AggregationAny reports success when at least one target succeeded.
	AggregationAny Aggregation = "OR"
	// AggregationAll reports success only when every selected target succeeded.
	AggregationAll Aggregation = "AND"
)

func (a Aggregation) String() string { return string(a) }

func (a Aggregation) IsValid() bool {
	switch a {
	case AggregationAny, AggregationAll:
		return true
	}
	return false
}

func ParseAggregationFromString(s string) (Aggregation, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	switch normalized {
	case "", "ANY":
		return AggregationAny, nil
	case "ALL":
		return AggregationAll, nil
	}
	a := Aggregation(normalized)
	if !a.IsValid() {
		return "", fmt.Errorf("%w: invalid aggregation %q", ErrValidation, s)
	}
	return a, nil
}

// DeliveryResult records the fate of a single target.
type DeliveryResult struct {
	TargetID  string        `json:"target_id"`
	Service   string        `json:"service"`
	Scheme    string        `json:"scheme"`
	Outcome   Outcome       `json:"outcome"`
	Detail    string        `json:"detail,omitempty"`
	Attempts  int           `json:"attempts"`
	Elapsed   time.Duration `json:"-"`
	ElapsedMS int64         `json:"elapsed_ms"`
}

// Report is the aggregated result of one notify call. Results keep the
// submission order of the targets. ID is always unique; RequestID is the
// caller's correlation id and may repeat across retries.
type Report struct {
	ID          string           `json:"id"`
	RequestID   string           `json:"request_id,omitempty"`
	Overall     bool             `json:"overall"`
	Aggregation Aggregation      `json:"aggregation"`
	Results     []DeliveryResult `json:"results"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Counts returns how many results ended in each outcome.
func (r *Report) Counts() map[Outcome]int {
	counts := make(map[Outcome]int, 4)
	if r == nil {
		return counts
	}
	for _, res := range r.Results {
		counts[res.Outcome]++
	}
	return counts
}
