package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kursadbilgin/fanout/internal/domain"
)

func testReport(id string, overall bool, at time.Time, results ...domain.DeliveryResult) *domain.Report {
	return &domain.Report{
		ID:          id,
		Overall:     overall,
		Aggregation: domain.AggregationAny,
		Results:     results,
		CreatedAt:   at,
	}
}

func TestReportModelRoundTrip(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	report := testReport("r-1", true, at,
		domain.DeliveryResult{TargetID: "a", Service: "json://host/", Scheme: "json", Outcome: domain.OutcomeSuccess, Attempts: 1, ElapsedMS: 12},
		domain.DeliveryResult{TargetID: "b", Service: "msgbird://k...y/", Scheme: "msgbird", Outcome: domain.OutcomeSkipped, Detail: "tags do not match"},
	)

	model := reportModelFromDomain(report, ReportMeta{Title: "t", Tags: []string{"ops", "db"}})
	if model.Source != "api" || model.Tags != "ops,db" {
		t.Fatalf("model meta = %q, %q, want api, ops,db", model.Source, model.Tags)
	}
	if model.Deliveries[1].Position != 1 || model.Deliveries[0].Detail != nil {
		t.Fatalf("deliveries = %+v, want positions kept and empty detail as nil", model.Deliveries)
	}

	got := reportModelToDomain(model)
	if got.ID != "r-1" || !got.Overall || len(got.Results) != 2 {
		t.Fatalf("reportModelToDomain() = %+v", got)
	}
	if got.Results[1].Detail != "tags do not match" || got.Results[0].Elapsed != 12*time.Millisecond {
		t.Fatalf("results = %+v, want detail and elapsed restored", got.Results)
	}
}

func TestMemoryReportRepo(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryReportRepo(3)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		report := testReport(fmt.Sprintf("r-%d", i), i%2 == 0, base.Add(time.Duration(i)*time.Minute),
			domain.DeliveryResult{TargetID: "t1", Outcome: domain.OutcomeSuccess},
			domain.DeliveryResult{TargetID: "t2", Outcome: domain.OutcomeTransientFailure},
		)
		if err := repo.Create(ctx, report, ReportMeta{Source: "api"}); err != nil {
			t.Fatalf("Create(%s) error = %v", report.ID, err)
		}
	}

	if _, err := repo.GetByID(ctx, "r-0"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByID(evicted) error = %v, want ErrNotFound", err)
	}
	if err := repo.Create(ctx, testReport("r-3", true, base), ReportMeta{}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Create(duplicate) error = %v, want ErrConflict", err)
	}

	got, err := repo.GetByID(ctx, "r-2")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	got.Results[0].Outcome = domain.OutcomeSkipped
	again, _ := repo.GetByID(ctx, "r-2")
	if again.Results[0].Outcome != domain.OutcomeSuccess {
		t.Fatal("GetByID() returned shared result slice")
	}

	overall := true
	reports, total, err := repo.List(ctx, ListParams{Overall: &overall})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 || len(reports) != 1 || reports[0].ID != "r-2" {
		t.Fatalf("List(overall) = %d %+v, want only r-2", total, reports)
	}

	reports, total, _ = repo.List(ctx, ListParams{Page: 2, PageSize: 2})
	if total != 3 || len(reports) != 1 || reports[0].ID != "r-1" {
		t.Fatalf("List(page 2) = %d %+v, want r-1 last", total, reports)
	}

	history, err := repo.ListByTarget(ctx, "t2", 2)
	if err != nil || len(history) != 2 {
		t.Fatalf("ListByTarget() = %+v, %v, want 2 rows", history, err)
	}

	summary, err := repo.OutcomeSummary(ctx, "t1")
	if err != nil {
		t.Fatalf("OutcomeSummary() error = %v", err)
	}
	if len(summary) != 1 || summary[0].Outcome != domain.OutcomeSuccess || summary[0].Count != 3 {
		t.Fatalf("OutcomeSummary() = %+v, want 3 successes", summary)
	}
}
