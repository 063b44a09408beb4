package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Team.ID is text; internal/handlers assigns a random UUID string at
// creation time, and the id is not derived from the team name.
type Team struct {
	ID          string    `gorm:"type:text;primaryKey" json:"id"`
	Name        string    `gorm:"not null;column:name" json:"name"`
	Description string    `gorm:"column:description" json:"description"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
	CreatedBy   uuid.UUID `gorm:"type:text;index;not null;column:created_by" json:"created_by"`
}

func (Team) TableName() string {
	return "team"
}

// Role ladder, lowest to highest, per §4.5.
const (
	RoleGuest       = "guest"
	RoleMember      = "member"
	RoleAdmin       = "admin"
	RoleSuperAdmin  = "super_admin"
)

// TeamMember is unique on (TeamID, UserID).
type TeamMember struct {
	TeamID   string    `gorm:"type:text;primaryKey;column:team_id" json:"team_id"`
	UserID   uuid.UUID `gorm:"type:text;primaryKey;column:user_id" json:"user_id"`
	Role     string    `gorm:"not null;column:role" json:"role"`
	JobRole  string    `gorm:"column:job_role" json:"job_role,omitempty"`
	JoinedAt time.Time `gorm:"not null;column:joined_at" json:"joined_at"`
	LastSeen time.Time `gorm:"column:last_seen" json:"last_seen"`
}

func (TeamMember) TableName() string {
	return "team_member"
}

// InviteCode: at most one active (not used, not expired) code per team.
type InviteCode struct {
	Code      string     `gorm:"type:text;primaryKey;column:code" json:"code"`
	TeamID    string     `gorm:"index;not null;column:team_id" json:"team_id"`
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	ExpiresAt time.Time  `gorm:"not null;column:expires_at" json:"expires_at"`
	Used      bool       `gorm:"not null;default:false;column:used" json:"used"`
	UsedBy    *uuid.UUID `gorm:"type:text;column:used_by" json:"used_by,omitempty"`
	UsedAt    *time.Time `gorm:"column:used_at" json:"used_at,omitempty"`
}

func (InviteCode) TableName() string {
	return "invite_code"
}

// InviteAttempt backs the brute-force lockout supplemented from
// original_source/'s rate_limiter.py stub — one row per redemption
// attempt, windowed and counted per (Code, IP) in internal/authz per
// §4.5.3 (lockout is IP-scoped, not user-scoped, since a code may be
// attempted before the caller is known to belong to any team).
type InviteAttempt struct {
	ID        uuid.UUID  `gorm:"type:text;primaryKey" json:"id"`
	TeamID    string     `gorm:"index;not null;column:team_id" json:"team_id"`
	UserID    *uuid.UUID `gorm:"type:text;index;column:user_id" json:"user_id,omitempty"`
	Code      string     `gorm:"index;not null;column:code" json:"code"`
	IP        string     `gorm:"index;not null;column:ip" json:"ip"`
	Succeeded bool       `gorm:"not null;column:succeeded" json:"succeeded"`
	CreatedAt time.Time  `gorm:"not null;index" json:"created_at"`
}

func (InviteAttempt) TableName() string {
	return "invite_attempt"
}

func (a *InviteAttempt) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// DelayedPromotion: at most one un-executed row per (TeamID, UserID).
type DelayedPromotion struct {
	ID          uuid.UUID  `gorm:"type:text;primaryKey" json:"id"`
	TeamID      string     `gorm:"index;not null;column:team_id" json:"team_id"`
	UserID      uuid.UUID  `gorm:"type:text;index;not null;column:user_id" json:"user_id"`
	FromRole    string     `gorm:"column:from_role" json:"from_role"`
	ToRole      string     `gorm:"column:to_role" json:"to_role"`
	ScheduledAt time.Time  `gorm:"not null;column:scheduled_at" json:"scheduled_at"`
	ExecuteAt   time.Time  `gorm:"not null;index;column:execute_at" json:"execute_at"`
	Executed    bool       `gorm:"not null;default:false;column:executed" json:"executed"`
	ExecutedAt  *time.Time `gorm:"column:executed_at" json:"executed_at,omitempty"`
	Reason      string     `gorm:"column:reason" json:"reason"`
}

func (DelayedPromotion) TableName() string {
	return "delayed_promotion"
}

func (p *DelayedPromotion) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// TempPromotion: at most one active row per team.
type TempPromotion struct {
	ID                  uuid.UUID  `gorm:"type:text;primaryKey" json:"id"`
	TeamID              string     `gorm:"index;not null;column:team_id" json:"team_id"`
	OriginalSuperAdminID uuid.UUID `gorm:"type:text;not null;column:original_super_admin_id" json:"original_super_admin_id"`
	PromotedAdminID     uuid.UUID  `gorm:"type:text;not null;column:promoted_admin_id" json:"promoted_admin_id"`
	Status              string     `gorm:"not null;column:status" json:"status"`
	PromotedAt          time.Time  `gorm:"not null;column:promoted_at" json:"promoted_at"`
	RevertedAt          *time.Time `gorm:"column:reverted_at" json:"reverted_at,omitempty"`
	ApprovedBy          *uuid.UUID `gorm:"type:text;column:approved_by" json:"approved_by,omitempty"`
}

func (TempPromotion) TableName() string {
	return "temp_promotion"
}

func (p *TempPromotion) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// TempPromotion.Status values.
const (
	TempPromotionActive   = "active"
	TempPromotionApproved = "approved"
	TempPromotionReverted = "reverted"
)

// PermissionResource distinguishes the three permission tables that
// otherwise share an identical shape (§3's WorkflowPermission /
// QueuePermission / VaultPermission).
type PermissionResource string

const (
	PermissionResourceWorkflow PermissionResource = "workflow"
	PermissionResourceQueue    PermissionResource = "queue"
	PermissionResourceVault    PermissionResource = "vault"
)

// GrantType values for a ResourcePermission row.
const (
	GrantTypeUser    = "user"
	GrantTypeJobRole = "job_role"
	GrantTypeRole    = "role"
)

// ResourcePermission unifies WorkflowPermission/QueuePermission/
// VaultPermission behind one table distinguished by Resource, since all
// three share identical attributes and a cascade check (§4.5) — unique
// on (ResourceID, TeamID, PermissionType, Resource, GrantType, GrantValue).
type ResourcePermission struct {
	ID             uuid.UUID          `gorm:"type:text;primaryKey" json:"id"`
	Resource       PermissionResource `gorm:"index:idx_perm_unique,unique;not null;column:resource" json:"resource"`
	ResourceID     string             `gorm:"index:idx_perm_unique,unique;not null;column:resource_id" json:"resource_id"`
	TeamID         string             `gorm:"index:idx_perm_unique,unique;not null;column:team_id" json:"team_id"`
	PermissionType string             `gorm:"index:idx_perm_unique,unique;not null;column:permission_type" json:"permission_type"`
	GrantType      string             `gorm:"index:idx_perm_unique,unique;not null;column:grant_type" json:"grant_type"`
	GrantValue     string             `gorm:"index:idx_perm_unique,unique;not null;column:grant_value" json:"grant_value"`
	CreatedAt      time.Time          `gorm:"not null" json:"created_at"`
	CreatedBy      uuid.UUID          `gorm:"type:text;not null;column:created_by" json:"created_by"`
}

func (ResourcePermission) TableName() string {
	return "resource_permission"
}

func (p *ResourcePermission) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
