package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

type ChatSessionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, sessions []*types.ChatSession) ([]*types.ChatSession, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.ChatSession, error)
	ListByOwner(ctx context.Context, tx *gorm.DB, ownerUserID uuid.UUID) ([]*types.ChatSession, error)
	ListByTeam(ctx context.Context, tx *gorm.DB, teamID string) ([]*types.ChatSession, error)
	Update(ctx context.Context, tx *gorm.DB, session *types.ChatSession) error
	DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error
}

type chatSessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatSessionRepo(db *gorm.DB, baseLog *logger.Logger) ChatSessionRepo {
	return &chatSessionRepo{db: db, log: baseLog.With("repo", "ChatSessionRepo")}
}

func (r *chatSessionRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *chatSessionRepo) Create(ctx context.Context, tx *gorm.DB, sessions []*types.ChatSession) ([]*types.ChatSession, error) {
	if len(sessions) == 0 {
		return []*types.ChatSession{}, nil
	}
	if err := r.tx(tx).WithContext(ctx).Create(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *chatSessionRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.ChatSession, error) {
	var results []*types.ChatSession
	if len(ids) == 0 {
		return results, nil
	}
	if err := r.tx(tx).WithContext(ctx).Where("id IN ?", ids).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *chatSessionRepo) ListByOwner(ctx context.Context, tx *gorm.DB, ownerUserID uuid.UUID) ([]*types.ChatSession, error) {
	var results []*types.ChatSession
	if err := r.tx(tx).WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("updated_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *chatSessionRepo) ListByTeam(ctx context.Context, tx *gorm.DB, teamID string) ([]*types.ChatSession, error) {
	var results []*types.ChatSession
	if teamID == "" {
		return results, nil
	}
	if err := r.tx(tx).WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("updated_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *chatSessionRepo) Update(ctx context.Context, tx *gorm.DB, session *types.ChatSession) error {
	return r.tx(tx).WithContext(ctx).Save(session).Error
}

// DeleteByIDs cascades to messages, summaries, chunks, and embeddings per
// §3's ownership rule — each owned table is deleted within the same call.
func (r *chatSessionRepo) DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	db := r.tx(tx).WithContext(ctx)
	if err := db.Where("session_id IN ?", ids).Delete(&types.ChatMessage{}).Error; err != nil {
		return err
	}
	if err := db.Where("session_id IN ?", ids).Delete(&types.ConversationSummary{}).Error; err != nil {
		return err
	}
	if err := db.Where("session_id IN ?", ids).Delete(&types.DocumentChunk{}).Error; err != nil {
		return err
	}
	if err := db.Where("session_id IN ?", ids).Delete(&types.MessageEmbedding{}).Error; err != nil {
		return err
	}
	return db.Where("id IN ?", ids).Delete(&types.ChatSession{}).Error
}
