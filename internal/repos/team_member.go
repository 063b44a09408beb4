package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

type TeamMemberRepo interface {
	Create(ctx context.Context, tx *gorm.DB, member *types.TeamMember) (*types.TeamMember, error)
	Get(ctx context.Context, tx *gorm.DB, teamID string, userID uuid.UUID) (*types.TeamMember, error)
	ListByTeam(ctx context.Context, tx *gorm.DB, teamID string) ([]*types.TeamMember, error)
	ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.TeamMember, error)
	UpdateRole(ctx context.Context, tx *gorm.DB, teamID string, userID uuid.UUID, role string) error
	Remove(ctx context.Context, tx *gorm.DB, teamID string, userID uuid.UUID) error
	CountByTeamAndRole(ctx context.Context, tx *gorm.DB, teamID string, role string) (int64, error)
	// ListGuestsJoinedBefore backs the §4.5.4 automatic-promotion sweep.
	ListGuestsJoinedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]*types.TeamMember, error)
	TouchLastSeen(ctx context.Context, tx *gorm.DB, teamID string, userID uuid.UUID, at time.Time) error
}

type teamMemberRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTeamMemberRepo(db *gorm.DB, baseLog *logger.Logger) TeamMemberRepo {
	return &teamMemberRepo{db: db, log: baseLog.With("repo", "TeamMemberRepo")}
}

func (r *teamMemberRepo) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *teamMemberRepo) Create(ctx context.Context, tx *gorm.DB, member *types.TeamMember) (*types.TeamMember, error) {
	if err := r.tx(tx).WithContext(ctx).Create(member).Error; err != nil {
		return nil, err
	}
	return member, nil
}

func (r *teamMemberRepo) Get(ctx context.Context, tx *gorm.DB, teamID string, userID uuid.UUID) (*types.TeamMember, error) {
	var member types.TeamMember
	err := r.tx(tx).WithContext(ctx).
		Where("team_id = ? AND user_id = ?", teamID, userID).
		First(&member).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &member, nil
}

func (r *teamMemberRepo) ListByTeam(ctx context.Context, tx *gorm.DB, teamID string) ([]*types.TeamMember, error) {
	var results []*types.TeamMember
	if err := r.tx(tx).WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("joined_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *teamMemberRepo) ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.TeamMember, error) {
	var results []*types.TeamMember
	if err := r.tx(tx).WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *teamMemberRepo) UpdateRole(ctx context.Context, tx *gorm.DB, teamID string, userID uuid.UUID, role string) error {
	return r.tx(tx).WithContext(ctx).
		Model(&types.TeamMember{}).
		Where("team_id = ? AND user_id = ?", teamID, userID).
		Update("role", role).Error
}

func (r *teamMemberRepo) Remove(ctx context.Context, tx *gorm.DB, teamID string, userID uuid.UUID) error {
	return r.tx(tx).WithContext(ctx).
		Where("team_id = ? AND user_id = ?", teamID, userID).
		Delete(&types.TeamMember{}).Error
}

func (r *teamMemberRepo) CountByTeamAndRole(ctx context.Context, tx *gorm.DB, teamID string, role string) (int64, error) {
	var count int64
	if err := r.tx(tx).WithContext(ctx).
		Model(&types.TeamMember{}).
		Where("team_id = ? AND role = ?", teamID, role).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *teamMemberRepo) ListGuestsJoinedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]*types.TeamMember, error) {
	var results []*types.TeamMember
	if err := r.tx(tx).WithContext(ctx).
		Where("role = ? AND joined_at <= ?", types.RoleGuest, cutoff).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *teamMemberRepo) TouchLastSeen(ctx context.Context, tx *gorm.DB, teamID string, userID uuid.UUID, at time.Time) error {
	return r.tx(tx).WithContext(ctx).
		Model(&types.TeamMember{}).
		Where("team_id = ? AND user_id = ?", teamID, userID).
		Update("last_seen", at).Error
}
