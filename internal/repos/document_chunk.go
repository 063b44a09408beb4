package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

type DocumentChunkRepo interface {
	Create(ctx context.Context, tx *gorm.DB, chunks []*types.DocumentChunk) ([]*types.DocumentChunk, error)
	ListBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) ([]*types.DocumentChunk, error)
	ListByFile(ctx context.Context, tx *gorm.DB, fileID string) ([]*types.DocumentChunk, error)
	DeleteByFile(ctx context.Context, tx *gorm.DB, fileID string) error
}

type documentChunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentChunkRepo(db *gorm.DB, baseLog *logger.Logger) DocumentChunkRepo {
	return &documentChunkRepo{db: db, log: baseLog.With("repo", "DocumentChunkRepo")}
}

func (r *documentChunkRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *documentChunkRepo) Create(ctx context.Context, tx *gorm.DB, chunks []*types.DocumentChunk) ([]*types.DocumentChunk, error) {
	if len(chunks) == 0 {
		return []*types.DocumentChunk{}, nil
	}
	if err := r.tx(tx).WithContext(ctx).Create(&chunks).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

func (r *documentChunkRepo) ListBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) ([]*types.DocumentChunk, error) {
	var results []*types.DocumentChunk
	if err := r.tx(tx).WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("file_id ASC, chunk_index ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *documentChunkRepo) ListByFile(ctx context.Context, tx *gorm.DB, fileID string) ([]*types.DocumentChunk, error) {
	var results []*types.DocumentChunk
	if err := r.tx(tx).WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("chunk_index ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *documentChunkRepo) DeleteByFile(ctx context.Context, tx *gorm.DB, fileID string) error {
	return r.tx(tx).WithContext(ctx).Where("file_id = ?", fileID).Delete(&types.DocumentChunk{}).Error
}
