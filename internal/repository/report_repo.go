package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/fanout/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	Overall  *bool
	Source   string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

func (p ListParams) window() (offset, limit int) {
	page := max(p.Page, 1)
	pageSize := p.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)
	return (page - 1) * pageSize, pageSize
}

type ReportRepository interface {
	Create(ctx context.Context, r *domain.Report, meta ReportMeta) error
	GetByID(ctx context.Context, id string) (*domain.Report, error)
	List(ctx context.Context, params ListParams) ([]domain.Report, int64, error)
}

type GormReportRepo struct {
	db *gorm.DB
}

func NewGormReportRepo(db *gorm.DB) *GormReportRepo {
	return &GormReportRepo{db: db}
}

func (r *GormReportRepo) Create(ctx context.Context, report *domain.Report, meta ReportMeta) error {
	model := reportModelFromDomain(report, meta)
	if model == nil {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(model).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrConflict
	}
	return err
}

func orderedDeliveries(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

func (r *GormReportRepo) GetByID(ctx context.Context, id string) (*domain.Report, error) {
	var model ReportModel
	err := r.db.WithContext(ctx).
		Preload("Deliveries", orderedDeliveries).
		First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return reportModelToDomain(&model), nil
}

func (r *GormReportRepo) List(ctx context.Context, params ListParams) ([]domain.Report, int64, error) {
	query := r.db.WithContext(ctx).Model(&ReportModel{})

	if params.Overall != nil {
		query = query.Where("overall = ?", *params.Overall)
	}
	if params.Source != "" {
		query = query.Where("source = ?", params.Source)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := params.window()
	var models []ReportModel
	err := query.
		Preload("Deliveries", orderedDeliveries).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	reports := make([]domain.Report, 0, len(models))
	for i := range models {
		reports = append(reports, *reportModelToDomain(&models[i]))
	}
	return reports, total, nil
}
