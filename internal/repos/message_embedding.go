package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

// EmbeddedMessageCandidate is one joined row of a message, its embedding,
// and enough session context to enforce the caller's user scope — the
// shape §4.3's search algorithm pulls its K=200 candidates from.
type EmbeddedMessageCandidate struct {
	MessageID   uuid.UUID
	SessionID   uuid.UUID
	Content     string
	Timestamp   time.Time
	Vector      datatypes.JSON
	OwnerUserID uuid.UUID
	TeamID      *string
}

type MessageEmbeddingRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, embedding *types.MessageEmbedding) error
	ListBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) ([]*types.MessageEmbedding, error)
	ListRecentCandidatesForOwner(ctx context.Context, tx *gorm.DB, ownerUserID uuid.UUID, limit int) ([]EmbeddedMessageCandidate, error)
}

type messageEmbeddingRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageEmbeddingRepo(db *gorm.DB, baseLog *logger.Logger) MessageEmbeddingRepo {
	return &messageEmbeddingRepo{db: db, log: baseLog.With("repo", "MessageEmbeddingRepo")}
}

func (r *messageEmbeddingRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *messageEmbeddingRepo) Upsert(ctx context.Context, tx *gorm.DB, embedding *types.MessageEmbedding) error {
	return r.tx(tx).WithContext(ctx).Save(embedding).Error
}

func (r *messageEmbeddingRepo) ListBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) ([]*types.MessageEmbedding, error) {
	var results []*types.MessageEmbedding
	if err := r.tx(tx).WithContext(ctx).
		Where("session_id = ?", sessionID).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// ListRecentCandidatesForOwner pulls the most-recent K messages owned by
// ownerUserID that carry an embedding, via one indexed join across
// message_embedding, chat_message, and chat_session, per §4.3 step 3.
func (r *messageEmbeddingRepo) ListRecentCandidatesForOwner(ctx context.Context, tx *gorm.DB, ownerUserID uuid.UUID, limit int) ([]EmbeddedMessageCandidate, error) {
	var rows []EmbeddedMessageCandidate
	err := r.tx(tx).WithContext(ctx).
		Table("message_embedding AS me").
		Select("me.message_id AS message_id, me.session_id AS session_id, cm.content AS content, cm.timestamp AS timestamp, me.vector AS vector, cs.owner_user_id AS owner_user_id, cs.team_id AS team_id").
		Joins("JOIN chat_message AS cm ON cm.id = me.message_id").
		Joins("JOIN chat_session AS cs ON cs.id = me.session_id").
		Where("cs.owner_user_id = ?", ownerUserID).
		Order("cm.timestamp DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
