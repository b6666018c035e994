package repository

import (
	"strings"
	"time"

	"github.com/kursadbilgin/fanout/internal/domain"
)

// ReportModel is the persistence model for the reports table.
type ReportModel struct {
	ID          string             `gorm:"type:varchar(64);primaryKey"`
	RequestID   string             `gorm:"type:varchar(64)"`
	Overall     bool               `gorm:"not null"`
	Aggregation domain.Aggregation `gorm:"type:varchar(3);not null"`
	Title       string             `gorm:"type:text"`
	Tags        string             `gorm:"type:text"`
	Source      string             `gorm:"type:varchar(16);not null"`
	Deliveries  []DeliveryModel    `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time
}

func (ReportModel) TableName() string {
	return "reports"
}

// DeliveryModel is the persistence model for report_deliveries. Position
// keeps the submission order of the report's targets.
type DeliveryModel struct {
	ID        uint           `gorm:"primaryKey"`
	ReportID  string         `gorm:"type:varchar(64);not null"`
	Position  int            `gorm:"not null"`
	TargetID  string         `gorm:"type:varchar(32);not null"`
	Service   string         `gorm:"type:text;not null"`
	Scheme    string         `gorm:"type:varchar(32);not null"`
	Outcome   domain.Outcome `gorm:"type:varchar(20);not null"`
	Detail    *string        `gorm:"type:text"`
	Attempts  int            `gorm:"not null;default:0"`
	ElapsedMS int64          `gorm:"not null;default:0"`
	CreatedAt time.Time
}

func (DeliveryModel) TableName() string {
	return "report_deliveries"
}

// ReportMeta describes the request a report answered.
type ReportMeta struct {
	Title  string
	Tags   []string
	Source string
}

func reportModelFromDomain(r *domain.Report, meta ReportMeta) *ReportModel {
	if r == nil {
		return nil
	}

	source := meta.Source
	if source == "" {
		source = "api"
	}
	model := &ReportModel{
		ID:          r.ID,
		RequestID:   r.RequestID,
		Overall:     r.Overall,
		Aggregation: r.Aggregation,
		Title:       meta.Title,
		Tags:        strings.Join(meta.Tags, ","),
		Source:      source,
		Deliveries:  make([]DeliveryModel, 0, len(r.Results)),
		CreatedAt:   r.CreatedAt,
	}
	for i, res := range r.Results {
		model.Deliveries = append(model.Deliveries, deliveryModelFromDomain(r.ID, i, res, r.CreatedAt))
	}
	return model
}

func reportModelToDomain(m *ReportModel) *domain.Report {
	if m == nil {
		return nil
	}

	report := &domain.Report{
		ID:          m.ID,
		RequestID:   m.RequestID,
		Overall:     m.Overall,
		Aggregation: m.Aggregation,
		Results:     make([]domain.DeliveryResult, 0, len(m.Deliveries)),
		CreatedAt:   m.CreatedAt,
	}
	for i := range m.Deliveries {
		report.Results = append(report.Results, deliveryModelToDomain(&m.Deliveries[i]))
	}
	return report
}

func deliveryModelFromDomain(reportID string, position int, res domain.DeliveryResult, createdAt time.Time) DeliveryModel {
	var detail *string
	if res.Detail != "" {
		d := res.Detail
		detail = &d
	}
	return DeliveryModel{
		ReportID:  reportID,
		Position:  position,
		TargetID:  res.TargetID,
		Service:   res.Service,
		Scheme:    res.Scheme,
		Outcome:   res.Outcome,
		Detail:    detail,
		Attempts:  res.Attempts,
		ElapsedMS: res.ElapsedMS,
		CreatedAt: createdAt,
	}
}

func deliveryModelToDomain(m *DeliveryModel) domain.DeliveryResult {
	res := domain.DeliveryResult{
		TargetID:  m.TargetID,
		Service:   m.Service,
		Scheme:    m.Scheme,
		Outcome:   m.Outcome,
		Attempts:  m.Attempts,
		ElapsedMS: m.ElapsedMS,
		Elapsed:   time.Duration(m.ElapsedMS) * time.Millisecond,
	}
	if m.Detail != nil {
		res.Detail = *m.Detail
	}
	return res
}
