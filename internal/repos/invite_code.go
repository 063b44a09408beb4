package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

type InviteCodeRepo interface {
	Create(ctx context.Context, tx *gorm.DB, invite *types.InviteCode) (*types.InviteCode, error)
	GetByCode(ctx context.Context, tx *gorm.DB, code string) (*types.InviteCode, error)
	GetActiveByTeam(ctx context.Context, tx *gorm.DB, teamID string) (*types.InviteCode, error)
	MarkActiveCodesUsedForTeam(ctx context.Context, tx *gorm.DB, teamID string, usedAt time.Time) error
	// MarkUsed atomically transitions code from unused to used and
	// reports whether this call won the race (§4.5.3's
	// exactly-one-winner consumption rule).
	MarkUsed(ctx context.Context, tx *gorm.DB, code string, usedBy uuid.UUID, usedAt time.Time) (won bool, err error)
}

type inviteCodeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewInviteCodeRepo(db *gorm.DB, baseLog *logger.Logger) InviteCodeRepo {
	return &inviteCodeRepo{db: db, log: baseLog.With("repo", "InviteCodeRepo")}
}

func (r *inviteCodeRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *inviteCodeRepo) Create(ctx context.Context, tx *gorm.DB, invite *types.InviteCode) (*types.InviteCode, error) {
	if err := r.tx(tx).WithContext(ctx).Create(invite).Error; err != nil {
		return nil, err
	}
	return invite, nil
}

func (r *inviteCodeRepo) GetByCode(ctx context.Context, tx *gorm.DB, code string) (*types.InviteCode, error) {
	var invite types.InviteCode
	err := r.tx(tx).WithContext(ctx).Where("code = ?", code).First(&invite).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &invite, nil
}

// GetActiveByTeam returns the single not-used, not-expired code for a team,
// per §3's "at most one active code per team" invariant.
func (r *inviteCodeRepo) GetActiveByTeam(ctx context.Context, tx *gorm.DB, teamID string) (*types.InviteCode, error) {
	var invite types.InviteCode
	err := r.tx(tx).WithContext(ctx).
		Where("team_id = ? AND used = ? AND expires_at > ?", teamID, false, time.Now()).
		Order("created_at DESC").
		First(&invite).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &invite, nil
}

// MarkActiveCodesUsedForTeam marks every currently-active code for a team
// as used, per §4.5.3's "regeneration atomically retires prior codes"
// rule — called inside the same transaction as the new code's insert.
func (r *inviteCodeRepo) MarkActiveCodesUsedForTeam(ctx context.Context, tx *gorm.DB, teamID string, usedAt time.Time) error {
	return r.tx(tx).WithContext(ctx).
		Model(&types.InviteCode{}).
		Where("team_id = ? AND used = ?", teamID, false).
		Updates(map[string]interface{}{
			"used":    true,
			"used_at": usedAt,
		}).Error
}

func (r *inviteCodeRepo) MarkUsed(ctx context.Context, tx *gorm.DB, code string, usedBy uuid.UUID, usedAt time.Time) (bool, error) {
	result := r.tx(tx).WithContext(ctx).
		Model(&types.InviteCode{}).
		Where("code = ? AND used = ?", code, false).
		Updates(map[string]interface{}{
			"used":    true,
			"used_by": usedBy,
			"used_at": usedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
