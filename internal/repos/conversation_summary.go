package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

type ConversationSummaryRepo interface {
	GetBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.ConversationSummary, error)
	Upsert(ctx context.Context, tx *gorm.DB, summary *types.ConversationSummary) error
}

type conversationSummaryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationSummaryRepo(db *gorm.DB, baseLog *logger.Logger) ConversationSummaryRepo {
	return &conversationSummaryRepo{db: db, log: baseLog.With("repo", "ConversationSummaryRepo")}
}

func (r *conversationSummaryRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *conversationSummaryRepo) GetBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.ConversationSummary, error) {
	var summary types.ConversationSummary
	err := r.tx(tx).WithContext(ctx).Where("session_id = ?", sessionID).First(&summary).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &summary, nil
}

// Upsert overwrites the at-most-one summary row per session, per §3's
// "overwritten on every append" lifecycle.
func (r *conversationSummaryRepo) Upsert(ctx context.Context, tx *gorm.DB, summary *types.ConversationSummary) error {
	return r.tx(tx).WithContext(ctx).Save(summary).Error
}
