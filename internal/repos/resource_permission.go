package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

type ResourcePermissionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, perm *types.ResourcePermission) (*types.ResourcePermission, error)
	ListForResource(ctx context.Context, tx *gorm.DB, resource types.PermissionResource, resourceID string, teamID string) ([]*types.ResourcePermission, error)
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type resourcePermissionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewResourcePermissionRepo(db *gorm.DB, baseLog *logger.Logger) ResourcePermissionRepo {
	return &resourcePermissionRepo{db: db, log: baseLog.With("repo", "ResourcePermissionRepo")}
}

func (r *resourcePermissionRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *resourcePermissionRepo) Create(ctx context.Context, tx *gorm.DB, perm *types.ResourcePermission) (*types.ResourcePermission, error) {
	if err := r.tx(tx).WithContext(ctx).Create(perm).Error; err != nil {
		return nil, err
	}
	return perm, nil
}

// ListForResource returns every grant backing the cascade check (§4.5):
// direct user grants, job-role grants, and team-role grants all share this
// table and are filtered downstream by GrantType.
func (r *resourcePermissionRepo) ListForResource(ctx context.Context, tx *gorm.DB, resource types.PermissionResource, resourceID string, teamID string) ([]*types.ResourcePermission, error) {
	var results []*types.ResourcePermission
	if err := r.tx(tx).WithContext(ctx).
		Where("resource = ? AND resource_id = ? AND team_id = ?", resource, resourceID, teamID).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *resourcePermissionRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return r.tx(tx).WithContext(ctx).Where("id = ?", id).Delete(&types.ResourcePermission{}).Error
}
