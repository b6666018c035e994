package repository

import (
	"context"

	"github.com/kursadbilgin/fanout/internal/domain"
	"gorm.io/gorm"
)

// OutcomeCount is one row of a per-target outcome breakdown.
type OutcomeCount struct {
	Outcome domain.Outcome `gorm:"column:outcome"`
	Count   int            `gorm:"column:count"`
}

type DeliveryRepository interface {
	ListByTarget(ctx context.Context, targetID string, limit int) ([]domain.DeliveryResult, error)
	OutcomeSummary(ctx context.Context, targetID string) ([]OutcomeCount, error)
}

type GormDeliveryRepo struct {
	db *gorm.DB
}

func NewGormDeliveryRepo(db *gorm.DB) *GormDeliveryRepo {
	return &GormDeliveryRepo{db: db}
}

// ListByTarget returns the latest deliveries to one target, newest first.
func (r *GormDeliveryRepo) ListByTarget(ctx context.Context, targetID string, limit int) ([]domain.DeliveryResult, error) {
	if limit < 1 || limit > 100 {
		limit = 50
	}

	var models []DeliveryModel
	err := r.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	results := make([]domain.DeliveryResult, 0, len(models))
	for i := range models {
		results = append(results, deliveryModelToDomain(&models[i]))
	}
	return results, nil
}

func (r *GormDeliveryRepo) OutcomeSummary(ctx context.Context, targetID string) ([]OutcomeCount, error) {
	var counts []OutcomeCount
	err := r.db.WithContext(ctx).
		Model(&DeliveryModel{}).
		Select("outcome, COUNT(*) as count").
		Where("target_id = ?", targetID).
		Group("outcome").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}
