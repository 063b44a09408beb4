package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

type VaultItemRepo interface {
	Create(ctx context.Context, tx *gorm.DB, item *types.VaultItem) (*types.VaultItem, error)
	GetByID(ctx context.Context, tx *gorm.DB, itemID uuid.UUID) (*types.VaultItem, error)
	ListByTeam(ctx context.Context, tx *gorm.DB, teamID string, includeDeleted bool) ([]*types.VaultItem, error)
	Update(ctx context.Context, tx *gorm.DB, item *types.VaultItem) error
	SoftDelete(ctx context.Context, tx *gorm.DB, itemID uuid.UUID, deletedAt time.Time) error
	Restore(ctx context.Context, tx *gorm.DB, itemID uuid.UUID) error
	HardDelete(ctx context.Context, tx *gorm.DB, itemID uuid.UUID) error
}

type vaultItemRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVaultItemRepo(db *gorm.DB, baseLog *logger.Logger) VaultItemRepo {
	return &vaultItemRepo{db: db, log: baseLog.With("repo", "VaultItemRepo")}
}

func (r *vaultItemRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *vaultItemRepo) Create(ctx context.Context, tx *gorm.DB, item *types.VaultItem) (*types.VaultItem, error) {
	if err := r.tx(tx).WithContext(ctx).Create(item).Error; err != nil {
		return nil, err
	}
	return item, nil
}

func (r *vaultItemRepo) GetByID(ctx context.Context, tx *gorm.DB, itemID uuid.UUID) (*types.VaultItem, error) {
	var item types.VaultItem
	err := r.tx(tx).WithContext(ctx).Where("item_id = ?", itemID).First(&item).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// ListByTeam excludes soft-deleted rows unless includeDeleted is set, which
// backs the trash listing supplement.
func (r *vaultItemRepo) ListByTeam(ctx context.Context, tx *gorm.DB, teamID string, includeDeleted bool) ([]*types.VaultItem, error) {
	var results []*types.VaultItem
	q := r.tx(tx).WithContext(ctx).Where("team_id = ?", teamID)
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	if err := q.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *vaultItemRepo) Update(ctx context.Context, tx *gorm.DB, item *types.VaultItem) error {
	return r.tx(tx).WithContext(ctx).Save(item).Error
}

func (r *vaultItemRepo) SoftDelete(ctx context.Context, tx *gorm.DB, itemID uuid.UUID, deletedAt time.Time) error {
	return r.tx(tx).WithContext(ctx).
		Model(&types.VaultItem{}).
		Where("item_id = ?", itemID).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"deleted_at": deletedAt,
		}).Error
}

func (r *vaultItemRepo) Restore(ctx context.Context, tx *gorm.DB, itemID uuid.UUID) error {
	return r.tx(tx).WithContext(ctx).
		Model(&types.VaultItem{}).
		Where("item_id = ?", itemID).
		Updates(map[string]interface{}{
			"is_deleted": false,
			"deleted_at": nil,
		}).Error
}

func (r *vaultItemRepo) HardDelete(ctx context.Context, tx *gorm.DB, itemID uuid.UUID) error {
	return r.tx(tx).WithContext(ctx).Where("item_id = ?", itemID).Delete(&types.VaultItem{}).Error
}
