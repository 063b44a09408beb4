package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

type AuditEntryRepo interface {
	Create(ctx context.Context, tx *gorm.DB, entry *types.AuditEntry) (*types.AuditEntry, error)
	ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID, limit int) ([]*types.AuditEntry, error)
	ListByResource(ctx context.Context, tx *gorm.DB, resource string, resourceID string, limit int) ([]*types.AuditEntry, error)
}

type auditEntryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAuditEntryRepo(db *gorm.DB, baseLog *logger.Logger) AuditEntryRepo {
	return &auditEntryRepo{db: db, log: baseLog.With("repo", "AuditEntryRepo")}
}

func (r *auditEntryRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *auditEntryRepo) Create(ctx context.Context, tx *gorm.DB, entry *types.AuditEntry) (*types.AuditEntry, error) {
	if err := r.tx(tx).WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *auditEntryRepo) ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID, limit int) ([]*types.AuditEntry, error) {
	var results []*types.AuditEntry
	if err := r.tx(tx).WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *auditEntryRepo) ListByResource(ctx context.Context, tx *gorm.DB, resource string, resourceID string, limit int) ([]*types.AuditEntry, error) {
	var results []*types.AuditEntry
	if err := r.tx(tx).WithContext(ctx).
		Where("resource = ? AND resource_id = ?", resource, resourceID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
