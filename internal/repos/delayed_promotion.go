package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

type DelayedPromotionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, promotion *types.DelayedPromotion) (*types.DelayedPromotion, error)
	GetPendingForMember(ctx context.Context, tx *gorm.DB, teamID string, userID uuid.UUID) (*types.DelayedPromotion, error)
	ListDue(ctx context.Context, tx *gorm.DB, asOf time.Time) ([]*types.DelayedPromotion, error)
	MarkExecuted(ctx context.Context, tx *gorm.DB, id uuid.UUID, executedAt time.Time) error
	Cancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type delayedPromotionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDelayedPromotionRepo(db *gorm.DB, baseLog *logger.Logger) DelayedPromotionRepo {
	return &delayedPromotionRepo{db: db, log: baseLog.With("repo", "DelayedPromotionRepo")}
}

func (r *delayedPromotionRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *delayedPromotionRepo) Create(ctx context.Context, tx *gorm.DB, promotion *types.DelayedPromotion) (*types.DelayedPromotion, error) {
	if err := r.tx(tx).WithContext(ctx).Create(promotion).Error; err != nil {
		return nil, err
	}
	return promotion, nil
}

func (r *delayedPromotionRepo) GetPendingForMember(ctx context.Context, tx *gorm.DB, teamID string, userID uuid.UUID) (*types.DelayedPromotion, error) {
	var promotion types.DelayedPromotion
	err := r.tx(tx).WithContext(ctx).
		Where("team_id = ? AND user_id = ? AND executed = ?", teamID, userID, false).
		Order("scheduled_at DESC").
		First(&promotion).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &promotion, nil
}

// ListDue is polled by the promotion sweep ticker (internal/authz).
func (r *delayedPromotionRepo) ListDue(ctx context.Context, tx *gorm.DB, asOf time.Time) ([]*types.DelayedPromotion, error) {
	var results []*types.DelayedPromotion
	if err := r.tx(tx).WithContext(ctx).
		Where("executed = ? AND execute_at <= ?", false, asOf).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *delayedPromotionRepo) MarkExecuted(ctx context.Context, tx *gorm.DB, id uuid.UUID, executedAt time.Time) error {
	return r.tx(tx).WithContext(ctx).
		Model(&types.DelayedPromotion{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"executed":    true,
			"executed_at": executedAt,
		}).Error
}

func (r *delayedPromotionRepo) Cancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return r.tx(tx).WithContext(ctx).Where("id = ?", id).Delete(&types.DelayedPromotion{}).Error
}
