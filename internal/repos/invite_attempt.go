package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

type InviteAttemptRepo interface {
	Create(ctx context.Context, tx *gorm.DB, attempt *types.InviteAttempt) (*types.InviteAttempt, error)
	CountFailedSince(ctx context.Context, tx *gorm.DB, code string, ip string, since time.Time) (int64, error)
}

type inviteAttemptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewInviteAttemptRepo(db *gorm.DB, baseLog *logger.Logger) InviteAttemptRepo {
	return &inviteAttemptRepo{db: db, log: baseLog.With("repo", "InviteAttemptRepo")}
}

func (r *inviteAttemptRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *inviteAttemptRepo) Create(ctx context.Context, tx *gorm.DB, attempt *types.InviteAttempt) (*types.InviteAttempt, error) {
	if err := r.tx(tx).WithContext(ctx).Create(attempt).Error; err != nil {
		return nil, err
	}
	return attempt, nil
}

// CountFailedSince counts failed attempts within the lockout window,
// scoped per (code, ip) per §4.5.3 — IP-scoped, not user-scoped, since a
// code may be attempted before the caller is known to belong to any team.
func (r *inviteAttemptRepo) CountFailedSince(ctx context.Context, tx *gorm.DB, code string, ip string, since time.Time) (int64, error) {
	var count int64
	if err := r.tx(tx).WithContext(ctx).
		Model(&types.InviteAttempt{}).
		Where("code = ? AND ip = ? AND created_at >= ? AND succeeded = ?", code, ip, since, false).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
