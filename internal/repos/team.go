package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

type TeamRepo interface {
	Create(ctx context.Context, tx *gorm.DB, team *types.Team) (*types.Team, error)
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*types.Team, error)
	ListByCreator(ctx context.Context, tx *gorm.DB, creatorID uuid.UUID) ([]*types.Team, error)
}

type teamRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTeamRepo(db *gorm.DB, baseLog *logger.Logger) TeamRepo {
	return &teamRepo{db: db, log: baseLog.With("repo", "TeamRepo")}
}

func (r *teamRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *teamRepo) Create(ctx context.Context, tx *gorm.DB, team *types.Team) (*types.Team, error) {
	if err := r.tx(tx).WithContext(ctx).Create(team).Error; err != nil {
		return nil, err
	}
	return team, nil
}

func (r *teamRepo) GetByID(ctx context.Context, tx *gorm.DB, id string) (*types.Team, error) {
	var team types.Team
	if err := r.tx(tx).WithContext(ctx).Where("id = ?", id).First(&team).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &team, nil
}

func (r *teamRepo) ListByCreator(ctx context.Context, tx *gorm.DB, creatorID uuid.UUID) ([]*types.Team, error) {
	var results []*types.Team
	if err := r.tx(tx).WithContext(ctx).
		Where("created_by = ?", creatorID).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
