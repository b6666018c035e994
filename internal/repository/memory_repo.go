package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/kursadbilgin/fanout/internal/domain"
)

const defaultMemoryCapacity = 1000

var (
	_ ReportRepository   = (*MemoryReportRepo)(nil)
	_ DeliveryRepository = (*MemoryReportRepo)(nil)
)

// MemoryReportRepo keeps the most recent reports in process when no
// database is configured. The oldest report is evicted once capacity is
// reached.
type MemoryReportRepo struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	reports  map[string]storedReport
}

type storedReport struct {
	report domain.Report
	meta   ReportMeta
}

func NewMemoryReportRepo(capacity int) *MemoryReportRepo {
	if capacity < 1 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryReportRepo{
		capacity: capacity,
		reports:  make(map[string]storedReport, capacity),
	}
}

func (r *MemoryReportRepo) Create(ctx context.Context, report *domain.Report, meta ReportMeta) error {
	if report == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reports[report.ID]; ok {
		return domain.ErrConflict
	}
	if len(r.order) >= r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.reports, oldest)
	}

	stored := *report
	stored.Results = append([]domain.DeliveryResult(nil), report.Results...)
	r.reports[report.ID] = storedReport{report: stored, meta: meta}
	r.order = append(r.order, report.ID)
	return nil
}

func (r *MemoryReportRepo) GetByID(ctx context.Context, id string) (*domain.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.reports[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	report := stored.report
	report.Results = append([]domain.DeliveryResult(nil), stored.report.Results...)
	return &report, nil
}

func (r *MemoryReportRepo) List(ctx context.Context, params ListParams) ([]domain.Report, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]domain.Report, 0, len(r.order))
	for _, id := range r.order {
		stored := r.reports[id]
		rep := stored.report
		switch {
		case params.Overall != nil && rep.Overall != *params.Overall:
			continue
		case params.Source != "" && stored.meta.Source != params.Source:
			continue
		case params.From != nil && rep.CreatedAt.Before(*params.From):
			continue
		case params.To != nil && rep.CreatedAt.After(*params.To):
			continue
		}
		matched = append(matched, rep)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	offset, limit := params.window()
	if offset >= len(matched) {
		return []domain.Report{}, total, nil
	}
	end := min(offset+limit, len(matched))
	return matched[offset:end], total, nil
}

func (r *MemoryReportRepo) ListByTarget(ctx context.Context, targetID string, limit int) ([]domain.DeliveryResult, error) {
	if limit < 1 || limit > 100 {
		limit = 50
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.DeliveryResult, 0, limit)
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		for _, res := range r.reports[r.order[i]].report.Results {
			if res.TargetID == targetID {
				out = append(out, res)
				if len(out) == limit {
					break
				}
			}
		}
	}
	return out, nil
}

func (r *MemoryReportRepo) OutcomeSummary(ctx context.Context, targetID string) ([]OutcomeCount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[domain.Outcome]int{}
	for _, id := range r.order {
		for _, res := range r.reports[id].report.Results {
			if res.TargetID == targetID {
				counts[res.Outcome]++
			}
		}
	}

	out := make([]OutcomeCount, 0, len(counts))
	for outcome, n := range counts {
		out = append(out, OutcomeCount{Outcome: outcome, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Outcome < out[j].Outcome })
	return out, nil
}
