package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

type TempPromotionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, promotion *types.TempPromotion) (*types.TempPromotion, error)
	GetActiveByTeam(ctx context.Context, tx *gorm.DB, teamID string) (*types.TempPromotion, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, revertedAt *time.Time, approvedBy *uuid.UUID) error
}

type tempPromotionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTempPromotionRepo(db *gorm.DB, baseLog *logger.Logger) TempPromotionRepo {
	return &tempPromotionRepo{db: db, log: baseLog.With("repo", "TempPromotionRepo")}
}

func (r *tempPromotionRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *tempPromotionRepo) Create(ctx context.Context, tx *gorm.DB, promotion *types.TempPromotion) (*types.TempPromotion, error) {
	if err := r.tx(tx).WithContext(ctx).Create(promotion).Error; err != nil {
		return nil, err
	}
	return promotion, nil
}

func (r *tempPromotionRepo) GetActiveByTeam(ctx context.Context, tx *gorm.DB, teamID string) (*types.TempPromotion, error) {
	var promotion types.TempPromotion
	err := r.tx(tx).WithContext(ctx).
		Where("team_id = ? AND status = ?", teamID, types.TempPromotionActive).
		Order("promoted_at DESC").
		First(&promotion).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &promotion, nil
}

func (r *tempPromotionRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, revertedAt *time.Time, approvedBy *uuid.UUID) error {
	updates := map[string]interface{}{"status": status}
	if revertedAt != nil {
		updates["reverted_at"] = *revertedAt
	}
	if approvedBy != nil {
		updates["approved_by"] = *approvedBy
	}
	return r.tx(tx).WithContext(ctx).
		Model(&types.TempPromotion{}).
		Where("id = ?", id).
		Updates(updates).Error
}
